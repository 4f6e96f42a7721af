package toolparser

import (
	"reflect"
	"testing"
)

func registry() map[string]ToolSpec {
	return map[string]ToolSpec{
		"write_file": {Name: "write_file", RequiredArgs: []string{"path", "content"}},
		"read_file":  {Name: "read_file", RequiredArgs: []string{"path"}},
	}
}

func TestParseEmptyOutput(t *testing.T) {
	calls, issues := Parse("   ", registry())
	if calls != nil {
		t.Errorf("expected no calls, got %v", calls)
	}
	if len(issues) != 1 || issues[0].Code != IssueEmptyOutput {
		t.Fatalf("expected EMPTY_OUTPUT, got %+v", issues)
	}
}

func TestParseMalformedCall(t *testing.T) {
	_, issues := Parse("I will now write a file.", registry())
	if len(issues) != 1 || issues[0].Code != IssueMalformedCall {
		t.Fatalf("expected MALFORMED_CALL, got %+v", issues)
	}
}

func TestParseWellFormedCall(t *testing.T) {
	raw := `<tool name="write_file" call_id="c1"><arg name="path">agent_out/x.txt</arg><arg name="content">hello</arg></tool>`
	calls, issues := Parse(raw, registry())
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	if len(calls) != 1 || calls[0].Name != "write_file" || calls[0].Path != "agent_out/x.txt" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestParseUnknownTool(t *testing.T) {
	raw := `<tool name="delete_universe" call_id="c1"></tool>`
	_, issues := Parse(raw, registry())
	if len(issues) != 1 || issues[0].Code != IssueUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %+v", issues)
	}
}

func TestParseDuplicateCallID(t *testing.T) {
	raw := `<tool name="read_file" call_id="c1"><arg name="path">a.txt</arg></tool>` +
		`<tool name="read_file" call_id="c1"><arg name="path">b.txt</arg></tool>`
	calls, issues := Parse(raw, registry())
	if len(calls) != 1 {
		t.Fatalf("expected exactly one surviving call, got %+v", calls)
	}
	foundDup := false
	for _, iss := range issues {
		if iss.Code == IssueDuplicateCallID {
			foundDup = true
		}
	}
	if !foundDup {
		t.Fatalf("expected DUPLICATE_CALL_ID, got %+v", issues)
	}
}

func TestParseMissingRequiredArg(t *testing.T) {
	raw := `<tool name="write_file" call_id="c1"><arg name="path">a.txt</arg></tool>`
	_, issues := Parse(raw, registry())
	if len(issues) != 1 || issues[0].Code != IssueMissingRequiredArg {
		t.Fatalf("expected MISSING_REQUIRED_ARG, got %+v", issues)
	}
}

func TestParseIsDeterministic(t *testing.T) {
	raw := `<tool name="read_file" call_id="c1"><arg name="path">a.txt</arg></tool>`
	calls1, issues1 := Parse(raw, registry())
	calls2, issues2 := Parse(raw, registry())
	if !reflect.DeepEqual(calls1, calls2) || !reflect.DeepEqual(issues1, issues2) {
		t.Errorf("Parse is not deterministic for identical inputs")
	}
}

func TestRoundTripParseSerialize(t *testing.T) {
	original := []ToolCall{
		{CallID: "c1", Name: "write_file", Args: map[string]string{"path": "a.txt", "content": "hi"}, Path: "a.txt"},
	}
	serialized := Serialize(original)
	calls, issues := Parse(serialized, registry())
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	if !reflect.DeepEqual(calls, original) {
		t.Errorf("round trip mismatch: got %+v, want %+v", calls, original)
	}
}

func TestParseNeverPanicsOnGarbage(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Parse panicked: %v", r)
		}
	}()
	inputs := []string{
		"<tool>",
		"<tool name=>",
		"<<<>>>",
		"<tool name=\"write_file\"><arg name=\"path\">" + string([]byte{0xff, 0xfe}) + "</arg></tool>",
	}
	for _, in := range inputs {
		Parse(in, registry())
	}
}

