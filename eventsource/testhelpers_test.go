package eventsource

import (
	"io"

	"github.com/lmstitch/lmstitch/pkg/pollable"
)

// chunkStream is a deterministic ByteStream serving scripted chunks, so the
// framing layers can be tested without the pump goroutine.
type chunkStream struct {
	chunks  [][]byte
	pos     int
	offset  int
	err     error // terminal condition after the chunks are drained
	gaps    bool  // report not-ready once between chunks
	pending bool
}

func newChunkStream(chunks ...[]byte) *chunkStream {
	return &chunkStream{chunks: chunks, err: io.EOF}
}

// withGaps makes the readiness handle report not-ready once after every
// chunk, exercising the ErrWouldBlock paths.
func (c *chunkStream) withGaps() *chunkStream {
	c.gaps = true
	return c
}

func (c *chunkStream) failWith(err error) *chunkStream {
	c.err = err
	return c
}

func (c *chunkStream) Read(max int) ([]byte, error) {
	if c.pos >= len(c.chunks) {
		return nil, c.err
	}

	chunk := c.chunks[c.pos][c.offset:]
	if len(chunk) > max {
		c.offset += max
		return chunk[:max], nil
	}
	c.pos++
	c.offset = 0
	c.pending = true
	return chunk, nil
}

func (c *chunkStream) Subscribe() pollable.Pollable {
	return chunkReadiness{c}
}

func (c *chunkStream) Close() error {
	c.chunks = nil
	c.pos = 0
	return nil
}

type chunkReadiness struct{ c *chunkStream }

func (r chunkReadiness) Block() {}

func (r chunkReadiness) IsReady() bool {
	if r.c.gaps && r.c.pending {
		r.c.pending = false
		return false
	}
	return true
}
