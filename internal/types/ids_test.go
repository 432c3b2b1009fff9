package types

import (
	"testing"
	"time"
)

func TestShortID(t *testing.T) {
	tests := []struct {
		full string
		want string
	}{
		{"01khvx92abcdefghjkmnpqrstv", "01KHVX92"},
		{"01KHVX93ABCDEFGHJKMNPQRSTV", "01KHVX93"},
		{"short", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ShortID(tt.full); got != tt.want {
			t.Errorf("ShortID(%q) = %q, want %q", tt.full, got, tt.want)
		}
	}
}

func TestDisplayID(t *testing.T) {
	if got := DisplayID("tk", "01khvx92abcdefghjkmnpqrstv"); got != "TK-01KHVX92" {
		t.Errorf("DisplayID = %q, want TK-01KHVX92", got)
	}
	if got := DisplayID("TK", "x"); got != "" {
		t.Errorf("DisplayID for short id = %q, want empty", got)
	}
}

func TestULIDTime(t *testing.T) {
	// All-zero time component decodes to the unix epoch.
	got, ok := ULIDTime("0000000000ABCDEFGHJKMNPQRS")
	if !ok {
		t.Fatal("expected ok for zero ULID")
	}
	if !got.Equal(time.UnixMilli(0)) {
		t.Errorf("zero ULID time = %v, want epoch", got)
	}

	// Last base32 digit is the low bits: "...1" is 1ms after epoch.
	got, ok = ULIDTime("0000000001ABCDEFGHJKMNPQRS")
	if !ok || !got.Equal(time.UnixMilli(1)) {
		t.Errorf("ULID ms=1 decode = %v ok=%v", got, ok)
	}

	// Lowercase decodes the same as uppercase.
	upper, _ := ULIDTime("01KHVX92AB0000000000000000")
	lower, ok := ULIDTime("01khvx92ab0000000000000000")
	if !ok || !upper.Equal(lower) {
		t.Errorf("case-insensitive decode mismatch: %v vs %v", upper, lower)
	}

	// Larger time components decode to later times.
	earlier, _ := ULIDTime("01000000000000000000000000")
	later, _ := ULIDTime("02000000000000000000000000")
	if !later.After(earlier) {
		t.Errorf("expected %v after %v", later, earlier)
	}

	if _, ok := ULIDTime("UUUUUUUUUU"); ok {
		t.Error("expected failure for non-Crockford characters")
	}
	if _, ok := ULIDTime("short"); ok {
		t.Error("expected failure for too-short identifier")
	}
}
