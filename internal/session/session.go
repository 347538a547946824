// Package session owns the state of one conversation: its history, the single in-flight send and the
// text streamed so far. Presentation layers drive a Session and observe it, they don't hold any
// protocol state of their own.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/prompt-lab/internal/models"
	"github.com/MegaGrindStone/prompt-lab/internal/stream"
	"github.com/google/uuid"
)

// Streamer streams one chat completion. stream.Client implements it.
type Streamer interface {
	Stream(ctx context.Context, req stream.Request, onDelta func(string)) (string, error)
}

// Store persists finalized messages. It is only called once a stream has fully resolved.
type Store interface {
	AddMessages(ctx context.Context, chatID string, messages ...models.Message) error
}

var (
	// ErrSendInFlight is returned when Send is called while another send of the same session is running.
	ErrSendInFlight = errors.New("a message is already being answered")

	// ErrEmptyMessage is returned when Send is called without any content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrEmptyResponse is returned when the stream ended without producing any text.
	ErrEmptyResponse = errors.New("the model returned an empty response")
)

// Session is the controller of one conversation. It is safe for concurrent use.
type Session struct {
	chatID   string
	streamer Streamer
	store    Store

	onDelta func(string)

	mu         sync.Mutex
	history    []models.Message
	model      string
	searchMode bool
	pending    *pendingSend

	logger *slog.Logger
}

// pendingSend is the in-flight request: it exists from the moment Send accepts a message until the
// stream ends or fails.
type pendingSend struct {
	cancel  context.CancelFunc
	current string
}

// Option configures a Session.
type Option func(*Session)

// WithStore persists finalized turns to store.
func WithStore(store Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithModel sets the model requested from the relay.
func WithModel(model string) Option {
	return func(s *Session) {
		s.model = model
	}
}

// WithSearchMode enables the search persona of the relay.
func WithSearchMode(enabled bool) Option {
	return func(s *Session) {
		s.searchMode = enabled
	}
}

// WithOnDelta registers a hook receiving the whole assistant text after every delta. It is called
// from the goroutine running Send and must return quickly.
func WithOnDelta(fn func(string)) Option {
	return func(s *Session) {
		s.onDelta = fn
	}
}

// New creates a Session for chatID, starting from history.
func New(chatID string, history []models.Message, streamer Streamer, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		chatID:   chatID,
		streamer: streamer,
		history:  slices.Clone(history),
		logger:   logger.With(slog.String("module", "session"), slog.String("chatID", chatID)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChatID returns the identifier of the conversation.
func (s *Session) ChatID() string {
	return s.chatID
}

// SetModel changes the model used by the next sends.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// SetSearchMode changes the persona used by the next sends.
func (s *Session) SetSearchMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchMode = enabled
}

// Busy reports whether a send is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// CurrentText returns the assistant text streamed so far by the in-flight send, or an empty string.
func (s *Session) CurrentText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ""
	}
	return s.pending.current
}

// History returns a copy of the finalized conversation.
func (s *Session) History() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Cancel aborts the in-flight send, if any. The aborted send returns a context error and nothing is
// added to the history.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.cancel()
	}
}

// Send posts a user turn and streams the answer. On success the user turn and the assistant message
// are appended to the history, persisted, and the assistant message is returned. On failure the
// partial answer is discarded and the history is left untouched.
func (s *Session) Send(ctx context.Context, contents []models.Content) (models.Message, error) {
	if len(contents) == 0 {
		return models.Message{}, ErrEmptyMessage
	}

	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Contents:  slices.Clone(contents),
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return models.Message{}, ErrSendInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	pending := &pendingSend{cancel: cancel}
	s.pending = pending

	turns := make([]models.Turn, 0, len(s.history)+1)
	for _, m := range s.history {
		turns = append(turns, models.TurnFromMessage(m))
	}
	turns = append(turns, models.TurnFromMessage(userMsg))
	req := stream.Request{
		Messages:   turns,
		Model:      s.model,
		SearchMode: s.searchMode,
	}
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	s.logger.Debug("Sending message", slog.Int("turns", len(turns)), slog.String("model", req.Model))

	text, err := s.streamer.Stream(ctx, req, func(current string) {
		s.mu.Lock()
		pending.current = current
		s.mu.Unlock()
		if s.onDelta != nil {
			s.onDelta(current)
		}
	})
	if err != nil {
		return models.Message{}, err
	}
	if text == "" {
		return models.Message{}, ErrEmptyResponse
	}

	aiMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Contents:  []models.Content{models.TextContent(text)},
		Timestamp: time.Now(),
	}

	if s.store != nil {
		if err := s.store.AddMessages(ctx, s.chatID, userMsg, aiMsg); err != nil {
			return models.Message{}, fmt.Errorf("failed to store messages: %w", err)
		}
	}

	s.mu.Lock()
	s.history = append(s.history, userMsg, aiMsg)
	s.mu.Unlock()

	return aiMsg, nil
}
