package stream

import "strings"

// Accumulator holds the assistant text assembled so far. It only grows: every value it reports is a
// prefix-extension of the previous one.
type Accumulator struct {
	sb       strings.Builder
	onUpdate func(string)
}

// NewAccumulator creates an empty Accumulator. onUpdate, if not nil, is called with the whole text after
// every non-empty delta and must return quickly.
func NewAccumulator(onUpdate func(string)) *Accumulator {
	return &Accumulator{onUpdate: onUpdate}
}

// Append adds a delta. Empty deltas are ignored and do not trigger the update callback.
func (a *Accumulator) Append(delta string) {
	if delta == "" {
		return
	}
	a.sb.WriteString(delta)
	if a.onUpdate != nil {
		a.onUpdate(a.sb.String())
	}
}

// String returns the text accumulated so far.
func (a *Accumulator) String() string {
	return a.sb.String()
}

// Len returns the length in bytes of the accumulated text.
func (a *Accumulator) Len() int {
	return a.sb.Len()
}

// Reset discards the accumulated text.
func (a *Accumulator) Reset() {
	a.sb.Reset()
}
