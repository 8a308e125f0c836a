package main

import (
	"bytes"
	"io"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/changed/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	for _, name := range []string{"stdio", "mcp", "version"} {
		sub, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("find %s command: %v", name, err)
		}
		if sub == nil || sub.Name() != name {
			t.Fatalf("expected %s command to be registered", name)
		}
	}
}

func TestRootPersistentFlagsReachSubcommands(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	stdioCmd, _, err := root.Find([]string{"stdio"})
	if err != nil {
		t.Fatalf("find stdio command: %v", err)
	}
	if inherited := stdioCmd.InheritedFlags().Lookup("root"); inherited == nil || inherited.Shorthand != "r" {
		t.Fatalf("expected inherited --root/-r on stdio command")
	}
	if inherited := stdioCmd.InheritedFlags().Lookup("stream-budget"); inherited == nil {
		t.Fatalf("expected inherited --stream-budget on stdio command")
	}
}

func TestMCPCommandFlags(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	mcpCmd, _, err := root.Find([]string{"mcp"})
	if err != nil {
		t.Fatalf("find mcp command: %v", err)
	}
	if flag := mcpCmd.Flags().Lookup("mcp-listen"); flag == nil {
		t.Fatalf("expected --mcp-listen on mcp command")
	} else if flag.DefValue != "127.0.0.1:9464" {
		t.Fatalf("expected mcp-listen default 127.0.0.1:9464, got %q", flag.DefValue)
	}
	if flag := mcpCmd.Flags().Lookup("mcp-path"); flag == nil {
		t.Fatalf("expected --mcp-path on mcp command")
	} else if flag.DefValue != "/mcp" {
		t.Fatalf("expected mcp-path default /mcp, got %q", flag.DefValue)
	}
	if flag := mcpCmd.Flags().Lookup("identity"); flag == nil {
		t.Fatalf("expected --identity on mcp command")
	}
	if inherited := mcpCmd.InheritedFlags().Lookup("listen"); inherited == nil || inherited.Shorthand != "l" {
		t.Fatalf("expected inherited --listen/-l on mcp command")
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}
