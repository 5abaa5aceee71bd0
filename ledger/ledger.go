// Package ledger provides an append-only record of model calls and their
// results, so that a process restarted against the same ledger replays the
// recorded history instead of re-issuing calls against the provider.
//
// A ledger is always in one of two phases. While the replay cursor has not
// consumed every recorded entry the ledger is replaying: [Ledger.Replay]
// validates that the code is re-issuing the same call it made last time and
// hands back the recorded result. Once the cursor passes the last entry the
// ledger is live: [Ledger.Persist] appends new entries. The phase is a
// one-way door per process lifetime.
package ledger

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Entry is one recorded operation.
type Entry struct {
	Seq      uint64          `json:"seq"`
	Kind     string          `json:"kind"`
	Input    json.RawMessage `json:"input"`
	Output   json.RawMessage `json:"output"`
	Recorded strfmt.DateTime `json:"recorded"`
}

// DivergenceError is returned when a replayed call does not match the entry
// recorded at the cursor position. It means the code path taken on replay
// differs from the one that produced the ledger.
type DivergenceError struct {
	Seq      uint64
	Expected string
	Got      string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("ledger divergence at entry %d: recorded %s, replayed %s", e.Seq, e.Expected, e.Got)
}

// Ledger is the durable call record. All methods are safe for concurrent use.
type Ledger struct {
	mu         sync.Mutex
	entries    *orderedmap.OrderedMap[uint64, Entry]
	cursor     uint64
	nextSeq    uint64
	file       *os.File
	suppressed int
}

// Memory builds a volatile ledger. It starts live and records to memory only;
// useful for tests and for callers that want replay semantics within a single
// process.
func Memory() *Ledger {
	return &Ledger{entries: orderedmap.New[uint64, Entry]()}
}

// Open loads the ledger at path, creating it when absent. Recorded entries
// are indexed in order and the replay cursor starts at the first of them.
func Open(path string) (*Ledger, error) {
	l := &Ledger{entries: orderedmap.New[uint64, Entry]()}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(existing))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry %d in %s: %w", l.nextSeq, path, err)
		}
		entry.Seq = l.nextSeq
		l.entries.Set(entry.Seq, entry)
		l.nextSeq++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s for append: %w", path, err)
	}
	l.file = file
	return l, nil
}

// IsLive reports whether the replay cursor has passed every recorded entry.
func (l *Ledger) IsLive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor >= l.nextSeq
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// Persist records one completed operation. It is a no-op inside
// WithoutRecording. Persisting while the ledger is still replaying is a
// programming error and fails.
func (l *Ledger) Persist(kind string, input, output any) error {
	inputRaw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal %s input: %w", kind, err)
	}
	outputRaw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal %s output: %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.suppressed > 0 {
		return nil
	}
	if l.cursor < l.nextSeq {
		return fmt.Errorf("cannot persist %s: ledger is still replaying entry %d of %d", kind, l.cursor, l.nextSeq)
	}

	entry := Entry{
		Seq:      l.nextSeq,
		Kind:     kind,
		Input:    inputRaw,
		Output:   outputRaw,
		Recorded: strfmt.DateTime(time.Now().UTC()),
	}
	if l.file != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger entry: %w", err)
		}
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync ledger: %w", err)
		}
	}
	l.entries.Set(entry.Seq, entry)
	l.nextSeq++
	l.cursor = l.nextSeq
	return nil
}

// Replay consumes the entry at the cursor. The kind and the marshaled input
// must match what was recorded, otherwise a *DivergenceError is returned. The
// recorded output is decoded into output when output is non-nil, and the
// cursor advances.
func (l *Ledger) Replay(kind string, input, output any) error {
	inputRaw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal %s input: %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cursor >= l.nextSeq {
		return fmt.Errorf("cannot replay %s: ledger is live", kind)
	}
	entry, ok := l.entries.Get(l.cursor)
	if !ok {
		return fmt.Errorf("ledger entry %d missing from index", l.cursor)
	}
	if entry.Kind != kind {
		return &DivergenceError{Seq: entry.Seq, Expected: entry.Kind, Got: kind}
	}
	if !bytes.Equal(entry.Input, inputRaw) {
		return &DivergenceError{
			Seq:      entry.Seq,
			Expected: fmt.Sprintf("%s(%s)", entry.Kind, entry.Input),
			Got:      fmt.Sprintf("%s(%s)", kind, inputRaw),
		}
	}
	if output != nil {
		if err := json.Unmarshal(entry.Output, output); err != nil {
			return fmt.Errorf("failed to decode recorded %s output: %w", kind, err)
		}
	}
	l.cursor++
	return nil
}

// Rewind moves the replay cursor back to the first entry, as if the ledger
// had just been reopened. Everything recorded so far will replay again.
func (l *Ledger) Rewind() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursor = 0
}

// Peek returns the entry at the replay cursor without consuming it.
func (l *Ledger) Peek() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursor >= l.nextSeq {
		return Entry{}, false
	}
	return l.entries.Value(l.cursor), true
}

// WithoutRecording runs fn with persistence suppressed. Operations issued by
// fn are not written to the ledger; calls made on behalf of a recorded
// operation would otherwise record twice. Nesting is allowed.
func (l *Ledger) WithoutRecording(fn func() error) error {
	l.mu.Lock()
	l.suppressed++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.suppressed--
		l.mu.Unlock()
	}()
	return fn()
}

// Close releases the backing file, if any.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
