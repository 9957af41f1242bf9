package tsid

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dims := map[string]any{
		"host":     "web-01",
		"region":   "us-east-1",
		"cpu":      int64(3),
		"weight":   2.5,
		"degraded": false,
	}

	id, err := Encode(dims)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := id.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(decoded) != len(dims) {
		t.Fatalf("Expected %d dimensions, got %d", len(dims), len(decoded))
	}
	for name, want := range dims {
		if got, ok := decoded[name]; !ok || got != want {
			t.Errorf("Dimension %q: got %v (%T), want %v (%T)", name, got, got, want, want)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	// Map iteration order must not leak into the encoding
	for i := 0; i < 20; i++ {
		a, err := Encode(map[string]any{"b": "2", "a": "1", "c": "3"})
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		b, err := Encode(map[string]any{"c": "3", "a": "1", "b": "2"})
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if !Equal(a, b) {
			t.Fatalf("Same dimensions produced different encodings: %x vs %x", a, b)
		}
	}
}

func TestEncodeRejectsUnsupportedTypes(t *testing.T) {
	if _, err := Encode(map[string]any{"bad": []string{"x"}}); err == nil {
		t.Error("Expected error for slice dimension value")
	}
	if _, err := Encode(map[string]any{}); err == nil {
		t.Error("Expected error for empty dimension map")
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a, _ := Encode(map[string]any{"host": "a"})
	b, _ := Encode(map[string]any{"host": "b"})

	if Compare(a, b) >= 0 {
		t.Errorf("Expected %x < %x", a, b)
	}
	if Compare(b, a) <= 0 {
		t.Errorf("Expected %x > %x", b, a)
	}
	if Compare(a, a) != 0 {
		t.Error("Expected tsid to compare equal to itself")
	}
}

func TestCloneIndependence(t *testing.T) {
	orig, _ := Encode(map[string]any{"host": "a"})
	clone := orig.Clone()

	if !Equal(orig, clone) {
		t.Fatal("Clone should equal original")
	}

	// Mutating the original buffer (iterator reuse) must not affect the clone
	orig[0] ^= 0xFF
	if Equal(orig, clone) {
		t.Error("Clone shares backing array with original")
	}
}

func TestDecodeCorrupt(t *testing.T) {
	good, _ := Encode(map[string]any{"host": "web-01"})

	// Truncated at every prefix length must error, not panic
	for i := 0; i < len(good); i++ {
		if _, err := good[:i].Decode(); err == nil {
			t.Errorf("Expected error decoding %d-byte prefix", i)
		}
	}
}
