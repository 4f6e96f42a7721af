// Package toolparser implements the Tool Parser: extraction of structured
// tool-call records from free-form model output. It never
// panics; every failure mode surfaces as a typed ParseIssue in the second
// return value, never as an error or a recovered panic.
package toolparser

import (
	"regexp"
	"strings"
)

// IssueCode enumerates the exhaustive set of parse failure kinds.
// Never match on a ParseIssue's Message.
type IssueCode string

const (
	IssueEmptyOutput        IssueCode = "EMPTY_OUTPUT"
	IssueMalformedCall      IssueCode = "MALFORMED_CALL"
	IssueUnknownTool        IssueCode = "UNKNOWN_TOOL"
	IssueDuplicateCallID    IssueCode = "DUPLICATE_CALL_ID"
	IssueMissingRequiredArg IssueCode = "MISSING_REQUIRED_ARG"
)

// ParseIssue is a typed, non-fatal parse finding.
type ParseIssue struct {
	Code    IssueCode
	Message string
	CallID  string // empty when the issue predates a recognizable call_id
}

// ToolCall is a single extracted invocation. Path is populated from the
// "path" arg when present, for direct use by internal/toolgate.Check.
type ToolCall struct {
	CallID string
	Name   string
	Args   map[string]string
	Path   string
}

// ToolSpec declares a tool's required argument names, used to populate
// MISSING_REQUIRED_ARG issues. The registry is supplied by the caller (it
// mirrors the acting role's tools_allowed plus each tool's arg contract) so
// the parser stays independent of any particular role configuration.
type ToolSpec struct {
	Name         string
	RequiredArgs []string
}

// callPattern matches the wire syntax this dialect's compiler documents in
// its ToolCallSyntax: <tool name="..." call_id="...">...args...</tool>.
var callPattern = regexp.MustCompile(`(?s)<tool\s+([^>]*)>(.*?)</tool>`)
var attrPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)
var argPattern = regexp.MustCompile(`(?s)<arg\s+name="([^"]+)">(.*?)</arg>`)

// Parse extracts tool calls from raw model output against a known tool
// registry (keyed by tool name). It is a pure function: for a given
// (raw, registry) pair it always returns the same calls and issues in the
// same order.
func Parse(raw string, registry map[string]ToolSpec) ([]ToolCall, []ParseIssue) {
	if strings.TrimSpace(raw) == "" {
		return nil, []ParseIssue{{Code: IssueEmptyOutput, Message: "model output was empty or whitespace-only"}}
	}

	var calls []ToolCall
	var issues []ParseIssue
	seenCallIDs := make(map[string]struct{})

	matches := callPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, []ParseIssue{{Code: IssueMalformedCall, Message: "no well-formed <tool>...</tool> block found"}}
	}

	for _, m := range matches {
		attrsRaw, body := m[1], m[2]
		attrs := parseAttrs(attrsRaw)
		name := attrs["name"]
		callID := attrs["call_id"]

		if name == "" {
			issues = append(issues, ParseIssue{Code: IssueMalformedCall, Message: "tool call missing required \"name\" attribute", CallID: callID})
			continue
		}

		if callID != "" {
			if _, dup := seenCallIDs[callID]; dup {
				issues = append(issues, ParseIssue{Code: IssueDuplicateCallID, Message: "call_id \"" + callID + "\" appears more than once", CallID: callID})
				continue
			}
			seenCallIDs[callID] = struct{}{}
		}

		spec, known := registry[name]
		if !known {
			issues = append(issues, ParseIssue{Code: IssueUnknownTool, Message: "tool \"" + name + "\" is not a recognized tool", CallID: callID})
			continue
		}

		args := parseArgs(body)
		var missing []string
		for _, req := range spec.RequiredArgs {
			if _, ok := args[req]; !ok {
				missing = append(missing, req)
			}
		}
		if len(missing) > 0 {
			issues = append(issues, ParseIssue{
				Code:    IssueMissingRequiredArg,
				Message: "tool \"" + name + "\" is missing required arg(s): " + strings.Join(missing, ", "),
				CallID:  callID,
			})
			continue
		}

		calls = append(calls, ToolCall{
			CallID: callID,
			Name:   name,
			Args:   args,
			Path:   args["path"],
		})
	}

	return calls, issues
}

func parseAttrs(raw string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(raw, -1) {
		out[m[1]] = m[2]
	}
	return out
}

func parseArgs(body string) map[string]string {
	out := make(map[string]string)
	for _, m := range argPattern.FindAllStringSubmatch(body, -1) {
		out[m[1]] = strings.TrimSpace(m[2])
	}
	return out
}

// Serialize renders calls back into the wire syntax Parse understands:
// Parse(Serialize(calls)) returns calls for any well-formed list.
func Serialize(calls []ToolCall) string {
	var b strings.Builder
	for _, c := range calls {
		b.WriteString(`<tool name="`)
		b.WriteString(c.Name)
		b.WriteString(`"`)
		if c.CallID != "" {
			b.WriteString(` call_id="`)
			b.WriteString(c.CallID)
			b.WriteString(`"`)
		}
		b.WriteString(">")
		for k, v := range c.Args {
			b.WriteString(`<arg name="`)
			b.WriteString(k)
			b.WriteString(`">`)
			b.WriteString(v)
			b.WriteString(`</arg>`)
		}
		b.WriteString("</tool>\n")
	}
	return b.String()
}
