package roster

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validRoster = `
[ethos]
boundaries = ["Never fabricate file contents you have not read."]

[dialects.generic]
system_wrapper = "### SYSTEM\n{{.SystemPrompt}}\n### END"
tool_call_syntax = "<tool name=\"...\" call_id=\"...\">...</tool>"

[roles.developer]
system_prompt = "You write code to satisfy requirements."
tools_allowed = ["write_file"]
boundary_policy = "Engine"
dialect = "generic"

[roles.verifier]
system_prompt = "You verify that code meets requirements."
tools_allowed = []
boundary_policy = "Accessor"
dialect = "generic"

[tools.write_file]
required_args = ["path", "content"]
`

func TestLoadValidRoster(t *testing.T) {
	path := writeTestRoster(t, validRoster)
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	role, err := r.Role("developer")
	if err != nil {
		t.Fatalf("Role(developer) failed: %v", err)
	}
	if role.SystemPrompt == "" || len(role.ToolsAllowed) != 1 {
		t.Errorf("unexpected role: %+v", role)
	}

	d, err := r.Dialect("developer")
	if err != nil {
		t.Fatalf("Dialect(developer) failed: %v", err)
	}
	if d.ID != "generic" {
		t.Errorf("expected generic dialect, got %q", d.ID)
	}

	if len(r.Ethos().Boundaries) != 1 {
		t.Errorf("expected one ethos boundary, got %d", len(r.Ethos().Boundaries))
	}

	spec, ok := r.Tools()["write_file"]
	if !ok || len(spec.RequiredArgs) != 2 {
		t.Errorf("unexpected tool spec: %+v (ok=%v)", spec, ok)
	}
}

func TestRoleUnknownReturnsTypedError(t *testing.T) {
	path := writeTestRoster(t, validRoster)
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	_, err = r.Role("nonexistent")
	var unk *UnknownRole
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
	if e, ok := err.(*UnknownRole); !ok {
		t.Fatalf("expected *UnknownRole, got %T", err)
	} else {
		unk = e
	}
	if unk.RoleID != "nonexistent" {
		t.Errorf("expected RoleID nonexistent, got %q", unk.RoleID)
	}
}

func TestLoadRejectsRoleWithUnknownDialect(t *testing.T) {
	path := writeTestRoster(t, `
[roles.developer]
system_prompt = "x"
tools_allowed = []
dialect = "missing"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for role referencing unknown dialect")
	}
}

func TestLoadRejectsRoleWithNoDialect(t *testing.T) {
	path := writeTestRoster(t, `
[roles.developer]
system_prompt = "x"
tools_allowed = []
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for role with no dialect")
	}
}
