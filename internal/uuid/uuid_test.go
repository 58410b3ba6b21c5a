package uuid

import (
	"testing"

	"github.com/jmcleod/gatekeep/internal/util"
)

func TestNew(t *testing.T) {
	id1 := New()
	id2 := New()

	if len(id1) == 0 {
		t.Error("UUID should not be empty")
	}

	if id1 == id2 {
		t.Error("UUIDs should be unique")
	}
}

func TestNewTokenFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken failed: %v", err)
		}
		if len(tok) != TokenLength {
			t.Fatalf("expected %d characters, got %d (%q)", TokenLength, len(tok), tok)
		}
		if !util.IsLowerHex(tok) {
			t.Fatalf("token %q is not lowercase hex", tok)
		}
	}
}
