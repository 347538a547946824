package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string
	Title string
}

// Message represents an individual communication entry within a chat. It contains the core components
// of a chat message including its unique identifier, the participant's role, the actual content, and
// the precise time when the message was created.
type Message struct {
	ID        string
	Role      Role
	Contents  []Content
	Timestamp time.Time
}

// Content is a message content with its type.
type Content struct {
	Type ContentType

	// Text would be filled if Type is ContentTypeText.
	Text string

	// ImageURL would be filled if Type is ContentTypeImageURL. It is either a remote URL or a data URL.
	ImageURL string
}

// ErrChatNotFound is returned by stores when a chat with the requested ID doesn't exist.
var ErrChatNotFound = errors.New("chat not found")

// Role represents the role of a message participant.
type Role string

// ContentType represents the type of content in messages.
type ContentType string

const (
	// RoleUser represents a user message. A message with this role may contain text and image contents.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. A message with this role would only contain text content.
	RoleAssistant Role = "assistant"
	// RoleSystem represents the system prompt. It is never stored, the relay prepends it on every request.
	RoleSystem Role = "system"

	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeImageURL represents an image attached to a user turn.
	ContentTypeImageURL ContentType = "image_url"
)

// TextContent is a shortcut for a single text content.
func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// ImageContent is a shortcut for a single image content.
func ImageContent(url string) Content {
	return Content{Type: ContentTypeImageURL, ImageURL: url}
}

// Validate reports whether the role is one a client may send.
func (r Role) Validate() error {
	switch r {
	case RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("invalid role %q", string(r))
	}
}

// Text returns the concatenation of every text content of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, ct := range m.Contents {
		if ct.Type == ContentTypeText {
			sb.WriteString(ct.Text)
		}
	}
	return sb.String()
}

// RenderContents renders a slice of Content into a Markdown string. Images are rendered as Markdown
// image links so the same string can be fed to the Markdown renderer of the web interface.
func RenderContents(contents []Content) string {
	var sb strings.Builder
	for _, content := range contents {
		switch content.Type {
		case ContentTypeText:
			if content.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(content.Text)
		case ContentTypeImageURL:
			if content.ImageURL == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(fmt.Sprintf("![image](%s)", content.ImageURL))
		}
	}
	return sb.String()
}
