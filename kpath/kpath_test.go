package kpath

import "testing"

func TestCanonicalizeDotAndDotDot(t *testing.T) {
	got, err := Canonicalize("0:/a/./b/../c")
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	if got != "0:/a/c" {
		t.Fatalf("got %q, want %q", got, "0:/a/c")
	}
}

func TestCanonicalizePastRootIdempotent(t *testing.T) {
	got, err := Canonicalize("0:/..")
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	if got != "0:" {
		t.Fatalf("got %q, want %q", got, "0:")
	}
}

func TestResolveRelativeDotDot(t *testing.T) {
	got, err := ResolveRelative("0:/usr", "../bin/ls")
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	if got != "0:/bin/ls" {
		t.Fatalf("got %q, want %q", got, "0:/bin/ls")
	}
}

func TestResolveRelativeAbsoluteOverridesMountPoint(t *testing.T) {
	got, err := ResolveRelative("0:/x", "1:/y")
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	if got != "1:/y" {
		t.Fatalf("got %q, want %q", got, "1:/y")
	}
}

func TestCanonicalizeRejectsMissingMountPoint(t *testing.T) {
	if _, err := Canonicalize("/a/b"); err == 0 {
		t.Fatal("expected error for path with no mount point")
	}
}

func TestIsAbsolute(t *testing.T) {
	cases := map[string]bool{
		"0:/a":  true,
		"12:/b": true,
		"a/b":   false,
		"":      false,
	}
	for in, want := range cases {
		if got := IsAbsolute(in); got != want {
			t.Errorf("IsAbsolute(%q) = %v, want %v", in, got, want)
		}
	}
}
