package eventsource

import "strings"

// The SSE line grammar: every line is a field, a comment, or the blank line
// that dispatches the accumulated event. Lines end with LF, CRLF, or a lone
// CR.

type lineKind int

const (
	lineField lineKind = iota
	lineComment
	lineEmpty
)

type rawLine struct {
	kind  lineKind
	name  string
	value string
}

// nextLine scans buf for one complete line, returning it and the number of
// bytes consumed. ok is false when no complete line is buffered yet; a buffer
// ending in a bare CR is incomplete because the matching LF may arrive with
// the next chunk.
func nextLine(buf string) (line rawLine, consumed int, ok bool) {
	end := strings.IndexAny(buf, "\r\n")
	if end < 0 {
		return rawLine{}, 0, false
	}

	consumed = end + 1
	if buf[end] == '\r' {
		if end == len(buf)-1 {
			return rawLine{}, 0, false
		}
		if buf[end+1] == '\n' {
			consumed++
		}
	}

	return parseLine(buf[:end]), consumed, true
}

func parseLine(content string) rawLine {
	if content == "" {
		return rawLine{kind: lineEmpty}
	}
	if content[0] == ':' {
		return rawLine{kind: lineComment, value: content[1:]}
	}

	name, value, found := strings.Cut(content, ":")
	if found {
		// A single space after the colon is part of the separator.
		value = strings.TrimPrefix(value, " ")
	}
	return rawLine{kind: lineField, name: name, value: value}
}

func isBOM(r rune) bool { return r == '\uFEFF' }
