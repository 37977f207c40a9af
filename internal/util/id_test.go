package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	a := NewID("doc")
	b := NewID("doc")
	if !strings.HasPrefix(a, "doc_") || len(a) != len("doc_")+32 {
		t.Fatalf("NewID() = %q", a)
	}
	if a == b {
		t.Fatalf("NewID() repeated %q", a)
	}
	if plain := NewID(""); strings.Contains(plain, "_") || len(plain) != 32 {
		t.Fatalf("NewID(\"\") = %q", plain)
	}
}
