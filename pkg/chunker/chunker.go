// Package chunker implements the content-defined chunking algorithm: it
// walks an input of known length through a sliding window, emitting a
// chunk whenever the window hash crosses a content-defined boundary or a
// hard maximum size is reached, and produces a final tail chunk for
// whatever bytes remain.
package chunker

import (
	"errors"
	"fmt"
	"io"

	"github.com/saworbit/dedupe/pkg/hashutil"
)

// ErrAborted is returned when a streaming process callback returns false.
var ErrAborted = errors.New("chunker: aborted by process callback")

// Params controls the content-defined chunking algorithm. Validate
// invariants live in pkg/config; the chunker itself only rejects params
// it cannot run with (non-positive MinSize or Shift, MaxSize < MinSize).
type Params struct {
	MinSize            int // minimum chunk size in bytes
	MaxSize            int // hard maximum chunk size in bytes
	Shift              int // window shift amount in bytes
	BoundaryCheckBytes int // zero-prefix length in the window digest that marks a boundary
}

// Chunk is one content-defined chunk of an input object.
type Chunk struct {
	Data     []byte // owned chunk bytes
	Key      string // base64(sha256(Data)), the stable chunk identity
	Length   int
	Position uint64 // byte offset of this chunk within the source object
	Ordinal  int    // 0-based sequence number within the object
}

// Split chunks an in-memory buffer and returns every chunk in order.
func Split(data []byte, p Params) ([]Chunk, error) {
	var out []Chunk
	src := NewBufferSource(data, p.MinSize, p.Shift)
	err := run(src, uint64(len(data)), p, func(c Chunk) bool {
		out = append(out, c)
		return true
	})
	return out, err
}

// SplitStream chunks a sequential reader of declared length, invoking
// process after each emission. process returning false aborts the stream
// and SplitStream returns ErrAborted.
func SplitStream(r io.Reader, length uint64, p Params, process func(Chunk) bool) error {
	src := NewStreamSource(r, length, p.MinSize, p.Shift)
	return run(src, length, p, process)
}

// run implements spec §4.3's algorithm against any Source.
func run(src Source, length uint64, p Params, emit func(Chunk) bool) error {
	if p.MinSize <= 0 || p.Shift <= 0 || p.MaxSize < p.MinSize {
		return fmt.Errorf("chunker: invalid params %+v", p)
	}

	ordinal := 0
	chunkStart := uint64(0)

	emitChunk := func(data []byte, position uint64) error {
		c := Chunk{
			Data:     data,
			Key:      hashutil.ContentKey(data),
			Length:   len(data),
			Position: position,
			Ordinal:  ordinal,
		}
		ordinal++
		if !emit(c) {
			return ErrAborted
		}
		return nil
	}

	// A content_length at or below min_chunk_size is never split.
	if length <= uint64(p.MinSize) {
		data, _, err := src.Read(int(length))
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		return emitChunk(data, 0)
	}

scan:
	for chunkStart < length {
		if length-chunkStart < uint64(p.MinSize) {
			break // remainder is too small to search; falls to the tail emission below
		}

		win, err := src.Open()
		if err != nil {
			return err
		}
		// acc tracks every byte read since chunkStart: the window itself
		// only ever holds the most recent `size` bytes, so once it has
		// slid past the start of the chunk it can no longer supply the
		// chunk's leading bytes on its own.
		acc := append([]byte(nil), win.Data...)

		for {
			currPos := win.Offset + uint64(len(win.Data))
			digest := hashutil.WindowDigest(win.Data)
			atBoundary := hashutil.IsBoundary(digest[:], p.BoundaryCheckBytes)
			atCap := currPos-chunkStart >= uint64(p.MaxSize)

			if atBoundary || atCap {
				if err := emitChunk(acc, chunkStart); err != nil {
					return err
				}
				chunkStart = currPos
				continue scan
			}

			if win.EOF {
				// No more input to slide into the window: whatever has
				// accumulated since chunkStart is the final chunk.
				if err := emitChunk(acc, chunkStart); err != nil {
					return err
				}
				chunkStart = length
				continue scan
			}

			next, err := src.Shift()
			if err != nil {
				return err
			}
			if next.NewBytes > 0 {
				acc = append(acc, next.Data[len(next.Data)-next.NewBytes:]...)
			}
			win = next
		}
	}

	if chunkStart < length {
		data, _, err := src.Read(int(length - chunkStart))
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := emitChunk(data, chunkStart); err != nil {
				return err
			}
		}
	}

	return nil
}
