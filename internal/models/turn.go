package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Turn is the wire form of one conversation entry exchanged between the chat client and the relay.
//
// On the wire the content is either a plain JSON string, for a turn made of a single text part, or an
// array of typed parts:
//
//	{"role":"user","content":"Hola"}
//	{"role":"user","content":[{"type":"text","text":"Describe"},{"type":"image_url","image_url":{"url":"https://..."}}]}
type Turn struct {
	Role     Role
	Contents []Content
}

type turnPart struct {
	Type     ContentType   `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *turnImageURL `json:"image_url,omitempty"`
}

type turnImageURL struct {
	URL string `json:"url"`
}

type rawTurn struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ErrInvalidContent is returned when a turn content is neither a string nor an array of known parts.
var ErrInvalidContent = errors.New("invalid turn content")

// TurnFromMessage converts a stored message into its wire form.
func TurnFromMessage(m Message) Turn {
	return Turn{Role: m.Role, Contents: m.Contents}
}

// IsPlainText reports whether the turn is sent as a plain string.
func (t Turn) IsPlainText() bool {
	return len(t.Contents) == 1 && t.Contents[0].Type == ContentTypeText
}

// MarshalJSON implements json.Marshaler.
func (t Turn) MarshalJSON() ([]byte, error) {
	var content any
	if t.IsPlainText() {
		content = t.Contents[0].Text
	} else {
		parts := make([]turnPart, 0, len(t.Contents))
		for _, ct := range t.Contents {
			switch ct.Type {
			case ContentTypeText:
				parts = append(parts, turnPart{Type: ContentTypeText, Text: ct.Text})
			case ContentTypeImageURL:
				parts = append(parts, turnPart{Type: ContentTypeImageURL, ImageURL: &turnImageURL{URL: ct.ImageURL}})
			default:
				return nil, fmt.Errorf("%w: unknown content type %q", ErrInvalidContent, ct.Type)
			}
		}
		content = parts
	}

	return json.Marshal(struct {
		Role    Role `json:"role"`
		Content any  `json:"content"`
	}{
		Role:    t.Role,
		Content: content,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw rawTurn
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.Role = raw.Role
	t.Contents = nil

	content := bytes.TrimSpace(raw.Content)
	if len(content) == 0 {
		return fmt.Errorf("%w: missing content", ErrInvalidContent)
	}

	switch content[0] {
	case '"':
		var text string
		if err := json.Unmarshal(content, &text); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidContent, err)
		}
		t.Contents = []Content{TextContent(text)}
		return nil
	case '[':
		var parts []turnPart
		if err := json.Unmarshal(content, &parts); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidContent, err)
		}
		t.Contents = make([]Content, 0, len(parts))
		for i, p := range parts {
			switch p.Type {
			case ContentTypeText:
				t.Contents = append(t.Contents, TextContent(p.Text))
			case ContentTypeImageURL:
				if p.ImageURL == nil || p.ImageURL.URL == "" {
					return fmt.Errorf("%w: part %d has no image url", ErrInvalidContent, i)
				}
				t.Contents = append(t.Contents, ImageContent(p.ImageURL.URL))
			default:
				return fmt.Errorf("%w: part %d has unknown type %q", ErrInvalidContent, i, p.Type)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: expected string or array", ErrInvalidContent)
	}
}
