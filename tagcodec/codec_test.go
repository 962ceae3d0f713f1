package tagcodec

import (
	"math"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []string{
		"hello",
		"a@b.co",
		"Hello, World! 100%",
		"path/to/thing-1.2:3",
		"under_score__double",
		"emoji 😀 mix",
		"",
	}
	for _, s := range cases {
		enc := Encode(s)
		got := Decode(enc)
		if got != s {
			t.Errorf("round trip failed for %q: encoded %q, decoded %q", s, enc, got)
		}
	}
}

func TestEncodeOnlyUsesAllowedAlphabet(t *testing.T) {
	enc := Encode("Hello, World! @#$%^&*()")
	for _, r := range enc {
		if !isAllowed(r) && r != '_' {
			t.Errorf("encoded output %q contains disallowed rune %q", enc, r)
		}
	}
}

func TestEncodeUnderscoreDoubling(t *testing.T) {
	if got := Encode("_"); got != "__" {
		t.Errorf("Encode(_) = %q, want __", got)
	}
	if got := Decode("__"); got != "_" {
		t.Errorf("Decode(__) = %q, want _", got)
	}
}

func TestHashIsStableHex(t *testing.T) {
	h1 := Hash("x@y.com")
	h2 := Hash("x@y.com")
	if h1 != h2 {
		t.Fatalf("Hash not stable: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %q", len(h1), h1)
	}
}

func TestEncodeIntPreservesOrder(t *testing.T) {
	values := []int64{math.MinInt64, -1000000, -2, -1, 0, 1, 2, 1000000, math.MaxInt64}
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			a, b := EncodeInt(values[i]), EncodeInt(values[j])
			if !(a < b) {
				t.Errorf("EncodeInt(%d)=%q should sort before EncodeInt(%d)=%q", values[i], a, values[j], b)
			}
		}
	}
}

func TestEncodeIntRoundTrip(t *testing.T) {
	values := []int64{math.MinInt64, math.MinInt64 + 1, -1, 0, 1, 42, math.MaxInt64}
	for _, v := range values {
		enc := EncodeInt(v)
		got, err := DecodeInt(enc)
		if err != nil {
			t.Fatalf("DecodeInt(%q): %v", enc, err)
		}
		if got != v {
			t.Errorf("round trip failed for %d: got %d via %q", v, got, enc)
		}
	}
}

func TestEncodeAvoidsNaiveLexicographicPitfall(t *testing.T) {
	nine := EncodeInt(9)
	ten := EncodeInt(10)
	if !(nine < ten) {
		t.Fatalf("expected EncodeInt(9) < EncodeInt(10), got %q >= %q", nine, ten)
	}
}

func TestEncodeTimeRoundTripAndOrder(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	e1, e2 := EncodeTime(t1), EncodeTime(t2)
	if !(e1 < e2) {
		t.Fatalf("expected earlier time to sort first: %q vs %q", e1, e2)
	}
	got, err := DecodeTime(e1)
	if err != nil {
		t.Fatalf("DecodeTime: %v", err)
	}
	if !got.Equal(t1) {
		t.Fatalf("round trip failed: got %v want %v", got, t1)
	}
}

func TestEncodeValueUnsupportedType(t *testing.T) {
	if _, ok := EncodeValue(3.14); ok {
		t.Fatalf("expected non-integral float to be unsupported")
	}
	if _, ok := EncodeValue([]int{1, 2}); ok {
		t.Fatalf("expected slice to be unsupported")
	}
}

func TestEncodeFieldValueHashesOnOverflow(t *testing.T) {
	long := "this value has characters like @ and spaces that expand a lot when escaped"
	enc, ok := EncodeFieldValue(long, true, 16)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if enc != Hash(long) {
		t.Fatalf("expected hashed fallback, got %q", enc)
	}
}

func TestEncodeFieldValueStaysReversibleUnderLimit(t *testing.T) {
	short := "short"
	enc, ok := EncodeFieldValue(short, true, 256)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if enc != Encode(short) {
		t.Fatalf("expected plain encoding under the limit, got %q", enc)
	}
}
