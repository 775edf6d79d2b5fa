package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunDefaultsToServer(t *testing.T) {
	called := false
	orig := startServer
	startServer = func() { called = true }
	defer func() { startServer = orig }()

	var out, errOut bytes.Buffer
	if code := Run([]string{"replend"}, &out, &errOut); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !called {
		t.Fatal("expected server start")
	}
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"replend", "help"}, &out, &errOut); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out.String(), "trigger-to-order") {
		t.Fatalf("usage missing: %s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"replend", "bogus"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Fatalf("stderr missing: %s", errOut.String())
	}
}

func TestScanRequiresFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runScanCmd(nil, &out, &errOut); code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut.String(), "--tenant") {
		t.Fatalf("stderr missing: %s", errOut.String())
	}
}

func TestVerifyRequiresTenant(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runVerifyCmd(nil, &out, &errOut); code != 2 {
		t.Fatalf("exit code %d", code)
	}
}
