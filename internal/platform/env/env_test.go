package env

import (
	"testing"
	"time"
)

func TestTypedLookups(t *testing.T) {
	t.Setenv("FORGE_TEST_STRING", "  value  ")
	t.Setenv("FORGE_TEST_DURATION", "45s")
	t.Setenv("FORGE_TEST_INT", "7")
	t.Setenv("FORGE_TEST_BOOL", "true")

	if got := String("FORGE_TEST_STRING", "def"); got != "  value  " {
		t.Fatalf("String: got %q", got)
	}
	if got := TrimmedString("FORGE_TEST_STRING", "def"); got != "value" {
		t.Fatalf("TrimmedString: got %q", got)
	}
	if got := String("FORGE_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("String default: got %q", got)
	}

	d, err := Duration("FORGE_TEST_DURATION", time.Second)
	if err != nil || d != 45*time.Second {
		t.Fatalf("Duration: got %v err %v", d, err)
	}
	i, err := Int("FORGE_TEST_INT", 1)
	if err != nil || i != 7 {
		t.Fatalf("Int: got %d err %v", i, err)
	}
	b, err := Bool("FORGE_TEST_BOOL", false)
	if err != nil || !b {
		t.Fatalf("Bool: got %v err %v", b, err)
	}
}

func TestParseErrors(t *testing.T) {
	t.Setenv("FORGE_TEST_BAD", "nope")
	if _, err := Duration("FORGE_TEST_BAD", time.Second); err == nil {
		t.Fatal("expected duration parse error")
	}
	if _, err := Int("FORGE_TEST_BAD", 1); err == nil {
		t.Fatal("expected int parse error")
	}
	if _, err := Bool("FORGE_TEST_BAD", false); err == nil {
		t.Fatal("expected bool parse error")
	}
}
