package delta

import (
	"bytes"
	"testing"
)

func TestBuildParentDeltaRoundTrip(t *testing.T) {
	base := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 50)
	target := append(append([]byte("PREFIX "), base...), []byte(" SUFFIX")...)

	d, err := BuildParentDelta(base, target)
	if err != nil {
		t.Fatalf("BuildParentDelta: %v", err)
	}

	got, err := Apply(base, d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(target))
	}
}

func TestBuildParentDeltaUnrelatedContent(t *testing.T) {
	base := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	target := []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")

	d, err := BuildParentDelta(base, target)
	if err != nil {
		t.Fatalf("BuildParentDelta: %v", err)
	}
	got, err := Apply(base, d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("round trip mismatch for unrelated content")
	}
}

func TestApplyCorruptOffset(t *testing.T) {
	base := []byte("short")
	d := Delta{Ops: []Op{{Offset: 0, Len: 100}}}
	if _, err := Apply(base, d); err == nil {
		t.Fatal("expected error for out-of-range offset")
	}
}

func TestDeltaSizeNeverNegative(t *testing.T) {
	d := Delta{Ops: []Op{{Literal: []byte("hello")}, {Offset: 0, Len: 5}}}
	if d.Size() <= 0 {
		t.Fatalf("expected positive size estimate, got %d", d.Size())
	}
}
