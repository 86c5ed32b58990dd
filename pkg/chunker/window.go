package chunker

import (
	"errors"
	"io"
)

// Window is one position of the chunker's sliding window over the input.
type Window struct {
	Data     []byte // the window contents, length == size except possibly at EOF
	Offset   uint64 // offset of Data[0] within the source
	NewBytes int    // fresh bytes that entered the window on this step
	EOF      bool   // true once fewer than `shift` fresh bytes remained to read
}

// Source reads a single input sequentially and serves the chunker's
// sliding window over it. A chunk boundary opens a brand new window at
// the cursor position; within a chunk, Shift slides that window forward.
// Two concrete shapes satisfy it: an in-memory buffer and a sequential
// io.Reader of declared length.
type Source interface {
	// Open begins a fresh window of `size` bytes at the current cursor.
	Open() (Window, error)
	// Shift discards the oldest `shift` bytes of the current window and
	// appends the next `shift` fresh bytes from the cursor.
	Shift() (Window, error)
	// Read consumes up to n fresh bytes directly from the cursor, outside
	// of any open window; used for the whole-input and tail-chunk cases
	// where no boundary search is needed.
	Read(n int) (data []byte, eof bool, err error)
	// Len returns the total declared length of the input.
	Len() uint64
}

type source struct {
	size     int
	shift    int
	length   uint64
	buf      []byte
	offset   uint64 // offset of buf[0] within the input
	consumed uint64 // bytes handed out so far (the read cursor)
	eof      bool
	read     func(n int) ([]byte, bool, error)
}

func (s *source) Len() uint64 { return s.length }

func (s *source) Read(n int) ([]byte, bool, error) {
	data, eof, err := s.read(n)
	if err != nil {
		return nil, false, err
	}
	s.consumed += uint64(len(data))
	return data, eof, nil
}

func (s *source) Open() (Window, error) {
	fresh, eof, err := s.read(s.size)
	if err != nil {
		return Window{}, err
	}
	s.buf = fresh
	s.offset = s.consumed
	s.consumed += uint64(len(fresh))
	s.eof = eof
	return Window{Data: s.buf, Offset: s.offset, NewBytes: len(fresh), EOF: eof}, nil
}

func (s *source) Shift() (Window, error) {
	if s.eof {
		return Window{Offset: s.offset + uint64(len(s.buf)), EOF: true}, nil
	}

	drop := s.shift
	if drop > len(s.buf) {
		drop = len(s.buf)
	}
	fresh, eof, err := s.read(s.shift)
	if err != nil {
		return Window{}, err
	}

	s.buf = append(append([]byte(nil), s.buf[drop:]...), fresh...)
	s.offset += uint64(drop)
	s.consumed += uint64(len(fresh))
	s.eof = eof || len(fresh) < s.shift
	return Window{Data: s.buf, Offset: s.offset, NewBytes: len(fresh), EOF: s.eof}, nil
}

// NewBufferSource builds a Source over an in-memory buffer.
func NewBufferSource(data []byte, size, shift int) Source {
	pos := 0
	read := func(n int) ([]byte, bool, error) {
		end := pos + n
		eof := false
		if end >= len(data) {
			end = len(data)
			eof = true
		}
		out := append([]byte(nil), data[pos:end]...)
		pos = end
		return out, eof, nil
	}
	return &source{size: size, shift: shift, length: uint64(len(data)), read: read}
}

// NewStreamSource builds a Source over a sequential io.Reader of declared
// total length. It never buffers more than `size` bytes at a time.
func NewStreamSource(r io.Reader, length uint64, size, shift int) Source {
	read := func(n int) ([]byte, bool, error) {
		buf := make([]byte, n)
		read, err := io.ReadFull(r, buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return buf[:read], true, nil
			}
			return nil, false, err
		}
		return buf, false, nil
	}
	return &source{size: size, shift: shift, length: length, read: read}
}
