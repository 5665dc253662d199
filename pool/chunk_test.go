package pool

import "testing"

func TestChunkGrowAndBytes(t *testing.T) {
	c := newChunk(16)
	copy(c.Tail(), []byte("hello"))
	c.Grow(5)
	if got := string(c.Bytes()); got != "hello" {
		t.Fatalf("Bytes() = %q, want %q", got, "hello")
	}
	if c.Length() != 5 {
		t.Fatalf("Length() = %d, want 5", c.Length())
	}
}

func TestChunkPopPartial(t *testing.T) {
	c := newChunk(16)
	copy(c.Tail(), []byte("hello"))
	c.Grow(5)
	c.Pop(2)
	if got := string(c.Bytes()); got != "llo" {
		t.Fatalf("Bytes() = %q, want %q", got, "llo")
	}
	if c.Head() != 2 {
		t.Fatalf("Head() = %d, want 2", c.Head())
	}
}

func TestChunkPopAll(t *testing.T) {
	c := newChunk(16)
	copy(c.Tail(), []byte("hi"))
	c.Grow(2)
	c.Pop(100)
	if c.Length() != 0 || c.Head() != 0 {
		t.Fatalf("expected cursors reset, got head=%d length=%d", c.Head(), c.Length())
	}
}

func TestChunkAdjust(t *testing.T) {
	c := newChunk(16)
	copy(c.Tail(), []byte("hello"))
	c.Grow(5)
	c.Pop(2)
	c.Adjust()
	if c.Head() != 0 {
		t.Fatalf("Head() = %d, want 0 after Adjust", c.Head())
	}
	if got := string(c.Bytes()); got != "llo" {
		t.Fatalf("Bytes() after Adjust = %q, want %q", got, "llo")
	}
}

func TestChunkCopyFrom(t *testing.T) {
	src := newChunk(16)
	copy(src.Tail(), []byte("payload"))
	src.Grow(7)

	dst := newChunk(4)
	dst.CopyFrom(src)
	if got := string(dst.Bytes()); got != "payload" {
		t.Fatalf("CopyFrom result = %q, want %q", got, "payload")
	}
	if dst.Capacity() < 7 {
		t.Fatalf("CopyFrom should have expanded capacity, got %d", dst.Capacity())
	}
}

func TestChunkCopyFromEmpty(t *testing.T) {
	dst := newChunk(8)
	copy(dst.Tail(), []byte("stale"))
	dst.Grow(5)
	dst.CopyFrom(nil)
	if dst.Length() != 0 {
		t.Fatalf("CopyFrom(nil) should clear length, got %d", dst.Length())
	}
}

func TestChunkEnsureCapacityNoop(t *testing.T) {
	c := newChunk(64)
	if !c.EnsureCapacity(32) {
		t.Fatal("EnsureCapacity should report success when already sufficient")
	}
	if c.Capacity() != 64 {
		t.Fatalf("Capacity changed unexpectedly: %d", c.Capacity())
	}
}

func TestChunkEnsureCapacityGrows(t *testing.T) {
	c := newChunk(8)
	copy(c.Tail(), []byte("abcd"))
	c.Grow(4)
	if !c.EnsureCapacity(100) {
		t.Fatal("EnsureCapacity should succeed")
	}
	if c.Capacity() < 100 {
		t.Fatalf("Capacity() = %d, want >= 100", c.Capacity())
	}
	if got := string(c.Bytes()); got != "abcd" {
		t.Fatalf("valid data not preserved across expansion: %q", got)
	}
}
