package chunker

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func defaultParams() Params {
	return Params{MinSize: 256, MaxSize: 2048, Shift: 16, BoundaryCheckBytes: 1}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return buf
}

func TestSplit_ShortInputIsSingleChunk(t *testing.T) {
	p := defaultParams()
	data := randomBytes(t, p.MinSize-1)

	chunks, err := Split(data, p)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].Position != 0 || chunks[0].Ordinal != 0 {
		t.Errorf("chunk = %+v, want position/ordinal 0", chunks[0])
	}
	if !bytes.Equal(chunks[0].Data, data) {
		t.Error("chunk data does not match input")
	}
}

func TestSplit_EmptyInputProducesNoChunks(t *testing.T) {
	chunks, err := Split(nil, defaultParams())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("len(chunks) = %d, want 0", len(chunks))
	}
}

func TestSplit_PartitionsWholeInput(t *testing.T) {
	p := defaultParams()
	data := randomBytes(t, 64*1024)

	chunks, err := Split(data, p)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	var reassembled []byte
	var pos uint64
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Errorf("chunk %d: ordinal = %d, want %d", i, c.Ordinal, i)
		}
		if c.Position != pos {
			t.Errorf("chunk %d: position = %d, want %d", i, c.Position, pos)
		}
		if c.Length < 1 || c.Length > p.MaxSize {
			t.Errorf("chunk %d: length %d out of bounds [1,%d]", i, c.Length, p.MaxSize)
		}
		if i < len(chunks)-1 && c.Length < p.MinSize {
			t.Errorf("non-final chunk %d: length %d below min %d", i, c.Length, p.MinSize)
		}
		reassembled = append(reassembled, c.Data...)
		pos += uint64(c.Length)
	}

	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled chunks do not match original data")
	}
}

func TestSplit_Deterministic(t *testing.T) {
	p := defaultParams()
	data := randomBytes(t, 32*1024)

	a, err := Split(data, p)
	if err != nil {
		t.Fatalf("Split (first run): %v", err)
	}
	b, err := Split(data, p)
	if err != nil {
		t.Fatalf("Split (second run): %v", err)
	}

	if len(a) != len(b) {
		t.Fatalf("len mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].Position != b[i].Position {
			t.Errorf("chunk %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestSplit_HonorsMaxSizeCap(t *testing.T) {
	// BoundaryCheckBytes large enough that a boundary is exceedingly
	// unlikely within one max-size span, forcing the cap to dominate.
	p := Params{MinSize: 64, MaxSize: 256, Shift: 8, BoundaryCheckBytes: 8}
	data := randomBytes(t, 4096)

	chunks, err := Split(data, p)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for i, c := range chunks {
		if c.Length > p.MaxSize {
			t.Errorf("chunk %d: length %d exceeds max %d", i, c.Length, p.MaxSize)
		}
	}
}

func TestSplit_SameContentSameKey(t *testing.T) {
	p := defaultParams()
	shared := randomBytes(t, p.MinSize)

	a := append(append([]byte(nil), randomBytes(t, 4096)...), shared...)
	b := append(append([]byte(nil), randomBytes(t, 2048)...), shared...)

	ca, err := Split(a, p)
	if err != nil {
		t.Fatalf("Split a: %v", err)
	}
	cb, err := Split(b, p)
	if err != nil {
		t.Fatalf("Split b: %v", err)
	}

	keys := make(map[string]bool)
	for _, c := range ca {
		keys[c.Key] = true
	}
	found := false
	for _, c := range cb {
		if keys[c.Key] {
			found = true
			break
		}
	}
	if !found {
		// Not asserted: the shared suffix is only min-size long, so a
		// shared chunk appears only when both splits happen to start a
		// chunk exactly where the suffix begins, which random prefixes
		// rarely do.
		t.Log("no shared chunk key found between inputs sharing a suffix; boundary placement may have diverged")
	}
}

func TestSplitStream_MatchesSplit(t *testing.T) {
	p := defaultParams()
	data := randomBytes(t, 48*1024)

	want, err := Split(data, p)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	var got []Chunk
	err = SplitStream(bytes.NewReader(data), uint64(len(data)), p, func(c Chunk) bool {
		got = append(got, c)
		return true
	})
	if err != nil {
		t.Fatalf("SplitStream: %v", err)
	}

	if len(want) != len(got) {
		t.Fatalf("len mismatch: Split=%d SplitStream=%d", len(want), len(got))
	}
	for i := range want {
		if want[i].Key != got[i].Key || want[i].Position != got[i].Position {
			t.Errorf("chunk %d differs: Split=%+v SplitStream=%+v", i, want[i], got[i])
		}
	}
}

func TestSplitStream_AbortPropagatesErrAborted(t *testing.T) {
	p := defaultParams()
	data := randomBytes(t, 16*1024)

	seen := 0
	err := SplitStream(bytes.NewReader(data), uint64(len(data)), p, func(c Chunk) bool {
		seen++
		return false
	})
	if err != ErrAborted {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if seen != 1 {
		t.Fatalf("process callback invoked %d times, want 1", seen)
	}
}

func TestRun_RejectsInvalidParams(t *testing.T) {
	_, err := Split([]byte("x"), Params{MinSize: 0, MaxSize: 10, Shift: 1, BoundaryCheckBytes: 1})
	if err == nil {
		t.Fatal("expected error for zero MinSize")
	}
	_, err = Split([]byte("x"), Params{MinSize: 10, MaxSize: 5, Shift: 1, BoundaryCheckBytes: 1})
	if err == nil {
		t.Fatal("expected error for MaxSize < MinSize")
	}
}
