package cmd

import (
	"bytes"
	"strings"
	"testing"
)

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	output, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("--help returned error: %v", err)
	}

	if !strings.Contains(output, "pychatcat") {
		t.Errorf("Help text should contain 'pychatcat', got: %s", output)
	}
	if !strings.Contains(output, "--db-path") {
		t.Errorf("Help text should list the global --db-path flag, got: %s", output)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	if cmd.Use != "pychatcat" {
		t.Errorf("Expected Use to be 'pychatcat', got '%s'", cmd.Use)
	}

	want := map[string]bool{"sessions": false, "stats": false, "export": false, "watch": false, "demo": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("Expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	output, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("--version returned error: %v", err)
	}
	if !strings.Contains(output, Version) {
		t.Errorf("Version output should contain %q, got: %s", Version, output)
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := execute(t, "bogus"); err == nil {
		t.Error("Expected error for unknown command")
	}
}
