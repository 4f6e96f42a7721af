package toolgate

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfig(t *testing.T) (Config, string) {
	t.Helper()
	root := t.TempDir()
	return Config{
		AgentOutputRoot:     root,
		ForbiddenExtensions: []string{".exe"},
	}, root
}

func developerRole() Role {
	return Role{ID: "developer", ToolsAllowed: map[string]struct{}{"write_file": {}}}
}

func TestCheckToolNotAllowed(t *testing.T) {
	cfg, _ := testConfig(t)
	v := Check(cfg, Role{ID: "developer", ToolsAllowed: map[string]struct{}{}}, ToolCall{Name: "write_file", Path: "out.txt"}, "", 0)
	if v == nil || v.Code != CodeToolNotAllowed {
		t.Fatalf("expected TOOL_NOT_ALLOWED, got %+v", v)
	}
}

func TestCheckAllowsPathInsideRoot(t *testing.T) {
	cfg, _ := testConfig(t)
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "sub/out.txt"}, "", 0)
	if v != nil {
		t.Fatalf("expected no violation, got %+v", v)
	}
}

func TestCheckPathEscapeViaDotDot(t *testing.T) {
	cfg, _ := testConfig(t)
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "../../etc/passwd"}, "", 0)
	if v == nil || v.Code != CodePathEscape {
		t.Fatalf("expected PATH_ESCAPE, got %+v", v)
	}
}

func TestCheckPathEscapeViaSymlink(t *testing.T) {
	cfg, root := testConfig(t)
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "escape/evil.txt"}, "", 0)
	if v == nil || v.Code != CodePathEscape {
		t.Fatalf("expected PATH_ESCAPE via symlink, got %+v", v)
	}
}

func TestCheckForbiddenFileType(t *testing.T) {
	cfg, _ := testConfig(t)
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "payload.exe"}, "", 0)
	if v == nil || v.Code != CodeForbiddenFileType {
		t.Fatalf("expected FORBIDDEN_FILE_TYPE, got %+v", v)
	}
}

func TestCheckIDesignNamingViolation(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.IDesignEnabled = true
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "Managers/helper.go"}, "", 0)
	if v == nil || v.Code != CodeIDesignNamingViolation {
		t.Fatalf("expected IDESIGN_NAMING_VIOLATION, got %+v", v)
	}
}

func TestCheckIDesignNamingCompliant(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.IDesignEnabled = true
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "Managers/card_manager.go"}, "", 0)
	if v != nil {
		t.Fatalf("expected no violation, got %+v", v)
	}
}

func TestCheckComplexityGateGrandfathered(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.IDesignEnabled = true
	cfg.ComplexityGateThreshold = 7
	cfg.GrandfatheredInitiatives = map[string]struct{}{"init-1": {}}
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "Managers/card_manager.go"}, "init-1", 12)
	if v == nil || v.Code != CodeComplexityGateGrandfather || v.Severity != SeverityWarning {
		t.Fatalf("expected grandfathered WARNING, got %+v", v)
	}
}

func TestCheckComplexityGateExceeded(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.IDesignEnabled = true
	cfg.ComplexityGateThreshold = 7
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "helper.go"}, "init-2", 12)
	if v == nil || v.Code != CodeComplexityGateExceeded || v.Severity != SeverityError {
		t.Fatalf("expected COMPLEXITY_GATE_EXCEEDED error, got %+v", v)
	}
}

func TestCheckComplexityGateExceededGrandfathered(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.IDesignEnabled = true
	cfg.ComplexityGateThreshold = 7
	cfg.GrandfatheredInitiatives = map[string]struct{}{"init-2": {}}
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "helper.go"}, "init-2", 12)
	if v == nil || v.Code != CodeComplexityGateGrandfather || v.Severity != SeverityWarning {
		t.Fatalf("expected grandfathered WARNING, got %+v", v)
	}
}

func TestCheckComplexityGateUnderThresholdAllowsPlainFile(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.IDesignEnabled = true
	cfg.ComplexityGateThreshold = 7
	v := Check(cfg, developerRole(), ToolCall{Name: "write_file", Path: "helper.go"}, "init-3", 3)
	if v != nil {
		t.Fatalf("expected no violation under threshold, got %+v", v)
	}
}

func TestIsDescendantCaseInsensitive(t *testing.T) {
	if !isDescendant("/Sandbox", "/sandbox/sub") {
		t.Error("expected case-insensitive descendant match")
	}
	if isDescendant("/sandbox", "/sandboxed-evil") {
		t.Error("string-prefix false positive: /sandboxed-evil must not be a descendant of /sandbox")
	}
}
