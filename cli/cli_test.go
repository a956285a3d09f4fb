package cli_test

import (
	"bytes"
	"testing"

	"github.com/momentics/corosched/cli"
)

func TestParseKeyValue(t *testing.T) {
	a, err := cli.Parse([]string{"./app", "-c", "conf/app.yml", "-d"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := a.Get("c", ""); got != "conf/app.yml" {
		t.Fatalf("c=%q", got)
	}
	if !a.Has("d") {
		t.Fatal("expected -d to be present")
	}
	if got := a.Get("d", "missing"); got != "" {
		t.Fatalf("trailing flag without value should be empty, got %q", got)
	}
}

func TestParseInvalidBareDash(t *testing.T) {
	if _, err := cli.Parse([]string{"./app", "-"}); err == nil {
		t.Fatal("expected error for bare '-' token")
	}
}

func TestParseRejectsOrphanValue(t *testing.T) {
	if _, err := cli.Parse([]string{"./app", "orphan"}); err == nil {
		t.Fatal("expected error for a value with no preceding key")
	}
}

func TestUsagePrintsRegisteredHelp(t *testing.T) {
	a, err := cli.Parse([]string{"./app"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a.AddHelp("c", "config directory")
	a.AddHelp("d", "run as daemon")

	var buf bytes.Buffer
	a.Usage(&buf)
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("-c : config directory")) {
		t.Fatalf("usage missing -c entry: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("-d : run as daemon")) {
		t.Fatalf("usage missing -d entry: %q", out)
	}
}

func TestAbsolutePathPassesThroughAbsolute(t *testing.T) {
	a, _ := cli.Parse([]string{"./app"})
	if got := a.AbsolutePath("/etc/x"); got != "/etc/x" {
		t.Fatalf("AbsolutePath=%q", got)
	}
}
