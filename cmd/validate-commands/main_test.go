package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func scanAndValidate(t *testing.T, commands, registry string, requireAll bool) string {
	t.Helper()
	tmp := t.TempDir()
	commandsPath := filepath.Join(tmp, "commands.go")
	registryPath := filepath.Join(tmp, "registry.go")
	mustWrite(t, commandsPath, commands)
	mustWrite(t, registryPath, registry)

	scan, scanIssues := parseFiles(commandsPath, registryPath)
	issues := append([]issue{}, scanIssues...)
	issues = append(issues, validateConsistency(scan, requireAll)...)
	return joinIssues(issues)
}

func TestRepositoryCommandTable(t *testing.T) {
	commands := filepath.Join("..", "..", "protocol", "commands.go")
	registry := filepath.Join("..", "..", "internal", "handlers", "registry.go")
	scan, scanIssues := parseFiles(commands, registry)
	issues := append([]issue{}, scanIssues...)
	issues = append(issues, validateConsistency(scan, true)...)
	if len(issues) != 0 {
		t.Fatalf("repository command table has issues:\n%s", joinIssues(issues))
	}
	if len(scan.cmdVals) != 8 || len(scan.handled) != 8 {
		t.Fatalf("expected 8 defined and handled commands, got defs=%d handled=%d", len(scan.cmdVals), len(scan.handled))
	}
}

func TestNonStringCmdDef_IsReportedWithoutCascadeNoise(t *testing.T) {
	// These files are parsed as plain text by the validator; they don't need to compile.
	joined := scanAndValidate(t,
		"package protocol\n\nconst (\n\tCmdFoo = 123 // should be a name\n)\n",
		`package handlers

func RegisterHandlers(reg *keybridge.Registry) {
	reg.Register(protocol.CmdFoo, nil)
}
`, false)

	if !strings.Contains(joined, "must be a string literal") {
		t.Fatalf("expected string-literal error, got:\n%s", joined)
	}
	if strings.Contains(joined, "unknown command protocol.CmdFoo") {
		t.Fatalf("expected no cascade 'unknown command' noise, got:\n%s", joined)
	}
	if strings.Contains(joined, "no Cmd* string constants found") {
		t.Fatalf("expected no 'no Cmd*' noise when invalid defs exist, got:\n%s", joined)
	}
}

func TestUndefinedUnhandledAndDuplicates(t *testing.T) {
	joined := scanAndValidate(t, `package protocol

const (
	CmdA = "a"
	CmdB = "b"
	CmdC = "a"
)

var hostMethods = map[string]string{
	"A.Do": CmdA,
	"B.Do": CmdB,
}
`, `package handlers

func RegisterHandlers(reg *keybridge.Registry) {
	reg.Register(protocol.CmdA, h)
	reg.Register(protocol.CmdA, h2)
	reg.Register(protocol.CmdMissing, h)
}
`, false)

	for _, want := range []string{
		"registry handles unknown command protocol.CmdMissing",
		"command protocol.CmdB is bound to an RPC method but has no handler",
		"command protocol.CmdA is registered more than once",
		`duplicate command name "a"`,
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in:\n%s", want, joined)
		}
	}
}

func TestRequireAll(t *testing.T) {
	commands := "package protocol\n\nconst (\n\tCmdA = \"a\"\n\tCmdB = \"b\"\n)\n"
	registry := "package handlers\n\nfunc f() {\n\treg.Register(protocol.CmdA, h)\n}\n"

	if joined := scanAndValidate(t, commands, registry, false); joined != "" {
		t.Fatalf("expected no issues without -require-all, got:\n%s", joined)
	}
	joined := scanAndValidate(t, commands, registry, true)
	if !strings.Contains(joined, "protocol.CmdB is defined but has no handler") {
		t.Fatalf("expected unhandled definition, got:\n%s", joined)
	}
}

func TestLineNumber(t *testing.T) {
	s := "a\nb\nc"
	if got := lineNumber(s, strings.Index(s, "c")); got != 3 {
		t.Fatalf("expected line 3, got %d", got)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func joinIssues(issues []issue) string {
	var b strings.Builder
	for _, it := range issues {
		b.WriteString(it.msg)
		b.WriteByte('\n')
	}
	return b.String()
}
