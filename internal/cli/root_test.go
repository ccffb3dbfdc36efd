package cli

import (
	"bytes"
	"strings"
	"testing"
)

// executeCommand runs a command with the given args and captures output.
func executeCommand(args ...string) (string, error) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sub := range []string{"serve", "migrate", "user", "token", "listen"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q", sub)
		}
	}
}

func TestServeAddrFlag(t *testing.T) {
	cmd := newServeCmd()
	flag := cmd.Flags().Lookup("addr")
	if flag == nil {
		t.Fatal("expected --addr flag to exist")
	}
	if flag.DefValue != "" {
		t.Errorf("expected empty --addr default, got %q", flag.DefValue)
	}
}

func TestUserAddRejectsUnknownRole(t *testing.T) {
	_, err := executeCommand("user", "add", "alice", "--role", "owner")
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func TestTokenRequiresUserID(t *testing.T) {
	if _, err := executeCommand("token"); err == nil {
		t.Fatal("expected error without user id")
	}
}

func TestMigrateDownFlag(t *testing.T) {
	flag := newMigrateCmd().Flags().Lookup("down")
	if flag == nil {
		t.Fatal("expected --down flag to exist")
	}
	if flag.DefValue != "false" {
		t.Errorf("expected --down default false, got %q", flag.DefValue)
	}
}
