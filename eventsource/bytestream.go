package eventsource

import (
	"errors"
	"io"
	"sync"

	"github.com/lmstitch/lmstitch/pkg/pollable"
)

// ErrWouldBlock is returned by non-blocking reads when no data is buffered
// yet. Callers should wait on the stream's readiness handle and poll again.
var ErrWouldBlock = errors.New("eventsource: read would block")

// ByteStream is a non-blocking byte source. Read returns up to max bytes,
// ErrWouldBlock when nothing is buffered, and io.EOF once the stream is
// cleanly closed and drained. Subscribe returns a readiness handle that is
// ready whenever Read would return something other than ErrWouldBlock.
type ByteStream interface {
	Read(max int) ([]byte, error)
	Subscribe() pollable.Pollable
	Close() error
}

// ReaderStream adapts a blocking io.ReadCloser (typically an HTTP response
// body) to the ByteStream contract. A single pump goroutine moves bytes into
// an internal buffer and drives the readiness signal; everything downstream of
// it polls cooperatively and never blocks.
type ReaderStream struct {
	rc io.ReadCloser

	mu    sync.Mutex
	buf   []byte
	err   error // terminal condition, io.EOF for clean closure
	sig   *pollable.Signal
	close sync.Once
}

const pumpChunkSize = 4096

// NewReaderStream starts pumping rc and returns the non-blocking view of it.
func NewReaderStream(rc io.ReadCloser) *ReaderStream {
	rs := &ReaderStream{
		rc:  rc,
		sig: pollable.NewSignal(),
	}
	go rs.pump()
	return rs
}

func (r *ReaderStream) pump() {
	chunk := make([]byte, pumpChunkSize)
	for {
		n, err := r.rc.Read(chunk)
		r.mu.Lock()
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			if r.err == nil {
				r.err = err
			}
			r.sig.Set()
			r.mu.Unlock()
			return
		}
		if len(r.buf) > 0 {
			r.sig.Set()
		}
		r.mu.Unlock()
	}
}

func (r *ReaderStream) Read(max int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) > 0 {
		n := max
		if n > len(r.buf) {
			n = len(r.buf)
		}
		out := r.buf[:n:n]
		r.buf = r.buf[n:]
		if len(r.buf) == 0 && r.err == nil {
			r.sig.Clear()
		}
		return out, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	return nil, ErrWouldBlock
}

func (r *ReaderStream) Subscribe() pollable.Pollable {
	return r.sig.Handle()
}

// Close tears down the underlying reader. Anything already buffered remains
// readable; the stream then reports io.EOF.
func (r *ReaderStream) Close() error {
	var err error
	r.close.Do(func() {
		r.mu.Lock()
		if r.err == nil {
			r.err = io.EOF
		}
		r.sig.Set()
		r.mu.Unlock()
		err = r.rc.Close()
	})
	return err
}
