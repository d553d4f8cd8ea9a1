package stream

import (
	"errors"
	"io"
)

const readSize = 4 * 1024

// Scanner lazily reads frames from one byte source. It stops after the
// [DONE] frame or at end of input and cannot be restarted.
//
// Usage:
//
//	scanner := stream.NewScanner(body)
//	for scanner.Next() {
//	    frame := scanner.Frame()
//	}
//	if err := scanner.Err(); err != nil {
//	    // transport failure
//	}
type Scanner struct {
	reader  io.Reader
	decoder *Decoder
	pending []Frame
	current Frame
	buf     []byte
	eof     bool
	err     error
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{
		reader:  r,
		decoder: NewDecoder(),
		buf:     make([]byte, readSize),
	}
}

// Next advances to the next frame, reading more input as needed.
func (s *Scanner) Next() bool {
	for len(s.pending) == 0 {
		if s.eof || s.err != nil || s.decoder.Done() {
			return false
		}
		n, err := s.reader.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.decoder.Feed(s.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true
				s.pending = append(s.pending, s.decoder.Close()...)
			} else {
				s.err = err
			}
		}
	}
	s.current = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

// Frame returns the frame produced by the last successful Next.
func (s *Scanner) Frame() Frame {
	return s.current
}

// Err returns the read error that stopped the scanner, or nil after a
// clean end of stream or [DONE].
func (s *Scanner) Err() error {
	return s.err
}
