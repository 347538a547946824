package stream

import (
	"bytes"
	"strings"
)

type framerState int

const (
	// stateAccumulatingLine means the buffer holds no complete line yet.
	stateAccumulatingLine framerState = iota
	// stateHaveLine means at least one complete line is buffered.
	stateHaveLine
)

// compactThreshold is the number of consumed bytes after which the buffer is shifted back to its start.
const compactThreshold = 4096

// Framer splits a byte stream into lines. Bytes are kept undecoded until a line is complete, which
// means a chunk ending in the middle of a multi-byte character never produces a broken rune: the
// newline byte never occurs inside a UTF-8 sequence.
type Framer struct {
	buf   []byte
	off   int
	state framerState
}

// Write appends a chunk read from the network.
func (f *Framer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if f.off > compactThreshold && f.off > len(f.buf)/2 {
		n := copy(f.buf, f.buf[f.off:])
		f.buf = f.buf[:n]
		f.off = 0
	}
	f.buf = append(f.buf, p...)
	if f.state == stateAccumulatingLine && bytes.IndexByte(p, '\n') >= 0 {
		f.state = stateHaveLine
	}
}

// HasLine reports whether a complete line is ready.
func (f *Framer) HasLine() bool {
	return f.state == stateHaveLine
}

// Next returns the next complete line without its terminator. A trailing carriage return is removed.
// The second return value is false when only a partial line, or nothing, is buffered.
func (f *Framer) Next() (string, bool) {
	if f.state != stateHaveLine {
		return "", false
	}

	rest := f.buf[f.off:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		f.state = stateAccumulatingLine
		return "", false
	}

	line := string(rest[:i])
	f.off += i + 1

	if bytes.IndexByte(f.buf[f.off:], '\n') < 0 {
		f.state = stateAccumulatingLine
	}
	if f.off == len(f.buf) {
		f.buf = f.buf[:0]
		f.off = 0
	}

	return strings.TrimSuffix(line, "\r"), true
}

// Buffered returns the number of bytes of the partial line kept for the next chunk.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.off
}

// Reset drops every buffered byte.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.off = 0
	f.state = stateAccumulatingLine
}
