package stream

import (
	"encoding/json"
	"strings"
)

// FrameKind classifies one line of the event stream.
type FrameKind int

const (
	// FrameIgnored is a blank line, a comment/heartbeat or a field other than data.
	FrameIgnored FrameKind = iota
	// FrameData carries a JSON payload with an optional text delta.
	FrameData
	// FrameDone is the termination sentinel.
	FrameDone
)

const (
	dataPrefix    = "data:"
	commentMarker = ":"
	doneSentinel  = "[DONE]"
)

// Frame is a single decoded line of the wire protocol.
type Frame struct {
	Kind    FrameKind
	Payload string
}

// ParseFrame classifies a line extracted by the Framer.
func ParseFrame(line string) Frame {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, commentMarker) {
		return Frame{Kind: FrameIgnored}
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return Frame{Kind: FrameIgnored}
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneSentinel {
		return Frame{Kind: FrameDone}
	}
	return Frame{Kind: FrameData, Payload: payload}
}

// decodeResult is the outcome of decoding one data payload.
type decodeResult int

const (
	// decodeDelta means the payload was parsed, the delta may still be empty.
	decodeDelta decodeResult = iota
	// decodeIncomplete means the payload is not valid JSON yet.
	decodeIncomplete
	// decodeSkipped means the payload is valid JSON but not a completion chunk.
	decodeSkipped
)

// DecodeDelta extracts choices[0].delta.content from a data payload. Frames without choices, as sent by
// some providers for metadata, produce an empty delta.
func DecodeDelta(payload string) (string, bool) {
	delta, res := decodeDeltaPayload(payload)
	return delta, res == decodeDelta
}

// completionChunk holds the only part of a completion chunk the consumer reads. Other fields are left
// undecoded so providers may type their metadata as they like.
type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func decodeDeltaPayload(payload string) (string, decodeResult) {
	if !json.Valid([]byte(payload)) {
		return "", decodeIncomplete
	}

	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", decodeSkipped
	}
	if len(chunk.Choices) == 0 {
		return "", decodeDelta
	}
	return chunk.Choices[0].Delta.Content, decodeDelta
}
