package eventsource

import (
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/lmstitch/lmstitch/pkg/pollable"
)

const utf8ChunkSize = 1024

// Utf8Stream turns an arbitrary byte stream into valid UTF-8 string chunks.
// A multi-byte sequence split across reads is held back until it completes;
// only on closure is a dangling partial sequence an error.
type Utf8Stream struct {
	stream     ByteStream
	sub        pollable.Pollable
	carry      []byte
	terminated bool
}

func NewUtf8Stream(stream ByteStream) *Utf8Stream {
	return &Utf8Stream{
		stream: stream,
		sub:    stream.Subscribe(),
	}
}

func (s *Utf8Stream) Subscribe() pollable.Pollable {
	return s.stream.Subscribe()
}

// PollNext returns the next decoded chunk, ErrWouldBlock when the source has
// no data ready, and io.EOF once the stream is closed and fully flushed.
func (s *Utf8Stream) PollNext() (string, error) {
	if s.terminated {
		return "", io.EOF
	}
	if !s.sub.IsReady() {
		return "", ErrWouldBlock
	}

	chunk, err := s.stream.Read(utf8ChunkSize)
	switch {
	case err == nil:
		slog.Debug("read bytes from response stream", slog.Int("len", len(chunk)))

		s.carry = append(s.carry, chunk...)
		n := validPrefixLen(s.carry)
		out := string(s.carry[:n])
		s.carry = s.carry[n:]
		return out, nil

	case err == ErrWouldBlock:
		return "", ErrWouldBlock

	case err == io.EOF:
		slog.Debug("response stream closed")

		s.terminated = true
		if len(s.carry) == 0 {
			return "", io.EOF
		}
		rest := s.carry
		s.carry = nil
		if !utf8.Valid(rest) {
			return "", ErrInvalidUTF8
		}
		return string(rest), nil

	default:
		return "", err
	}
}

// validPrefixLen returns the length of the longest prefix of b that is valid
// UTF-8, stopping at the first incomplete or invalid sequence.
func validPrefixLen(b []byte) int {
	i := 0
	for i < len(b) {
		if b[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		i += size
	}
	return i
}
