package segmap

import "testing"

func TestNewPanicsOnZeroDimension(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on zero numBlocks")
		}
	}()
	New(0, 512, 65536)
}

func TestSetBoundaryExactlyOneSegment(t *testing.T) {
	// 128 blocks of 512B = 64KiB segments -> 1 segment covers 128 blocks.
	m := New(256, 512, 64*1024)
	if m.NumSegments() != 2 {
		t.Fatalf("expected 2 segments, got %d", m.NumSegments())
	}
	// A write landing entirely within segment 0 dirties only segment 0.
	m.Set(0, 10, true)
	if !m.Get(0) {
		t.Fatal("expected segment 0 dirty")
	}
	if m.Get(128) {
		t.Fatal("expected segment 1 clean")
	}
	if m.CountOnes() != 1 {
		t.Fatalf("expected 1 dirty segment, got %d", m.CountOnes())
	}
}

func TestSetCrossingBoundaryDirtiesTwoSegments(t *testing.T) {
	m := New(256, 512, 64*1024) // segSizeBlks = 128
	m.Set(120, 20, true)        // spans [120,140) -> segments 0 and 1
	if !m.Get(120) || !m.Get(139) {
		t.Fatal("expected both endpoints dirty")
	}
	if m.CountOnes() != 2 {
		t.Fatalf("expected 2 dirty segments, got %d", m.CountOnes())
	}
}

func TestTrailingCeilBitsAreClean(t *testing.T) {
	// 200 blocks, 128 blocks/segment -> ceil(200/128) = 2 segments, second
	// segment only partially covers real device blocks.
	m := New(200, 512, 64*1024)
	if m.NumSegments() != 2 {
		t.Fatalf("expected 2 segments, got %d", m.NumSegments())
	}
	if m.Get(1_000_000) {
		t.Fatal("out-of-range lba must read clean")
	}
}

func TestMergeIsBitwiseOr(t *testing.T) {
	a := New(256, 512, 64*1024)
	b := New(256, 512, 64*1024)
	a.Set(0, 1, true)
	b.Set(200, 1, true)
	merged := a.Merge(b)
	if merged.CountOnes() != 2 {
		t.Fatalf("expected 2 dirty segments after merge, got %d", merged.CountOnes())
	}
	// originals must be untouched
	if a.CountOnes() != 1 || b.CountOnes() != 1 {
		t.Fatal("merge must not mutate its operands")
	}
}

func TestMergePanicsOnShapeMismatch(t *testing.T) {
	a := New(256, 512, 64*1024)
	b := New(512, 512, 64*1024)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on shape mismatch")
		}
	}()
	a.Merge(b)
}

func TestFullyDirty(t *testing.T) {
	m := FullyDirty(256, 512, 64*1024)
	if m.CountOnes() != int(m.NumSegments()) {
		t.Fatalf("expected every segment dirty, got %d/%d", m.CountOnes(), m.NumSegments())
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := New(256, 512, 64*1024)
	a.Set(0, 1, true)
	buf := a.Encode()

	b := New(256, 512, 64*1024)
	if err := b.DecodeInto(buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.CountOnes() != 1 || !b.Get(0) {
		t.Fatal("decode did not restore dirty bit")
	}
}

func TestDecodeIntoRejectsSizeMismatch(t *testing.T) {
	a := New(256, 512, 64*1024)
	if err := a.DecodeInto(make([]byte, 1)); err == nil {
		t.Fatal("expected error on segment-count mismatch")
	}
}

func TestNextDirtyFrom(t *testing.T) {
	m := New(256, 512, 64*1024)
	m.Set(200, 1, true) // segment 1
	seg, ok := m.NextDirtyFrom(0)
	if !ok || seg != 1 {
		t.Fatalf("expected segment 1, got %d ok=%v", seg, ok)
	}
	if _, ok := m.NextDirtyFrom(2); ok {
		t.Fatal("expected no dirty segment past the last one")
	}
}

func TestCountDirtyBlocks(t *testing.T) {
	m := New(256, 512, 64*1024) // 128 blocks/segment
	m.Set(0, 1, true)
	if got := m.CountDirtyBlocks(); got != 128 {
		t.Fatalf("expected 128 dirty blocks, got %d", got)
	}
}
