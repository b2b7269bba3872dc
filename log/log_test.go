package log

import (
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"trace", "trace"},
		{"DEBUG", "debug"},
		{"Info", "info"},
		{"warning", "warn"},
		{"error", "error"},
		{"crit", "crit"},
	} {
		lvl, err := ParseLevel(tc.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tc.in, err)
		}
		if got := LevelString(lvl); got != tc.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("ParseLevel accepted an invalid level")
	}
}

func TestModuleFiltering(t *testing.T) {
	var b strings.Builder
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&b, LevelTrace)))
	defer SetDefault(NewLogger(DiscardHandler()))

	EnableModule(EmitModule)
	Trace(EmitModule, "bound label", "id", 3)
	DisableModule(EmitModule)
	Trace(EmitModule, "should be filtered")

	out := b.String()
	if !strings.Contains(out, "bound label") {
		t.Fatalf("enabled module line missing: %q", out)
	}
	if strings.Contains(out, "should be filtered") {
		t.Fatalf("disabled module line leaked: %q", out)
	}
}
