package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const readBufferSize = 32 * 1024

// Parser turns chunks of an event stream into deltas appended to an Accumulator. A Parser serves exactly
// one response and is not safe for concurrent use.
type Parser struct {
	framer  Framer
	acc     *Accumulator
	pending string
	done    bool

	logger *slog.Logger
}

// NewParser creates a Parser feeding acc.
func NewParser(acc *Accumulator, logger *slog.Logger) *Parser {
	return &Parser{
		acc:    acc,
		logger: logger,
	}
}

// Feed processes one chunk. It reports true once the termination sentinel was seen, after which further
// chunks are ignored.
func (p *Parser) Feed(chunk []byte) bool {
	if p.done {
		return true
	}
	p.framer.Write(chunk)
	p.drain()
	return p.done
}

// Close is called when the reader is exhausted. A trailing unterminated line and a payload still
// waiting for its continuation are dropped.
func (p *Parser) Close() {
	if p.done {
		return
	}
	p.drain()
	if n := p.framer.Buffered(); n > 0 {
		p.logger.Debug("Dropping unterminated trailing line", slog.Int("bytes", n))
	}
	p.dropPending("end of stream")
	p.framer.Reset()
}

// Done reports whether the termination sentinel was seen.
func (p *Parser) Done() bool {
	return p.done
}

func (p *Parser) dropPending(reason string) {
	if p.pending == "" {
		return
	}
	p.logger.Debug("Dropping undecodable frame",
		slog.String("payload", p.pending),
		slog.String("reason", reason))
	p.pending = ""
}

func (p *Parser) drain() {
	for {
		line, ok := p.framer.Next()
		if !ok {
			return
		}

		frame := ParseFrame(line)
		switch frame.Kind {
		case FrameIgnored:
			if line == "" {
				// A blank line ends the event, a payload can't continue past it.
				p.dropPending("end of event")
			}
		case FrameDone:
			p.dropPending("termination sentinel")
			p.done = true
			p.framer.Reset()
			return
		case FrameData:
			payload := frame.Payload
			if p.pending != "" {
				joined := p.pending + "\n" + payload
				if !json.Valid([]byte(joined)) && json.Valid([]byte(payload)) {
					// The new line stands on its own, the held payload was a broken frame.
					p.dropPending("followed by a complete payload")
				} else {
					payload = joined
					p.pending = ""
				}
			}

			delta, res := decodeDeltaPayload(payload)
			switch res {
			case decodeDelta:
				p.acc.Append(delta)
			case decodeIncomplete:
				// Keep the payload and join it with the next data line of the same event.
				p.pending = payload
			case decodeSkipped:
				p.logger.Debug("Skipping non-completion frame", slog.String("payload", payload))
			}
		}
	}
}

// Consume reads r until the termination sentinel or the end of the stream, and returns the accumulated
// text. onDelta, if not nil, receives the whole text after every non-empty delta. If reading fails the
// partial text is discarded and the error is returned.
func Consume(ctx context.Context, r io.Reader, onDelta func(string), logger *slog.Logger) (string, error) {
	acc := NewAccumulator(onDelta)
	p := NewParser(acc, logger)

	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := r.Read(buf)
		if n > 0 {
			if p.Feed(buf[:n]) {
				return acc.String(), nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.Close()
				return acc.String(), nil
			}
			return "", fmt.Errorf("error reading stream: %w", err)
		}
	}
}
