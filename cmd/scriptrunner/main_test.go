package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Version:    dev") {
		t.Errorf("version output = %q", buf.String())
	}
}

func TestEnvCmd_Subcommands(t *testing.T) {
	cmd := newEnvCmd(&rootOptions{})
	want := map[string]bool{"ensure": true, "list": true, "install": true, "recreate": true}
	for _, sub := range cmd.Commands() {
		delete(want, sub.Name())
	}
	if len(want) != 0 {
		t.Errorf("missing env subcommands: %v", want)
	}
}

func TestRunCmd_RequiresScript(t *testing.T) {
	cmd := newRunCmd(&rootOptions{})
	cmd.SetArgs(nil)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error without a script argument")
	}
}
