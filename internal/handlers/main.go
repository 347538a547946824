package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	promptlab "github.com/MegaGrindStone/prompt-lab"
	"github.com/MegaGrindStone/prompt-lab/internal/models"
	"github.com/MegaGrindStone/prompt-lab/internal/session"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Store defines the interface for managing chat and message persistence. It provides methods for
// creating, reading, and updating chats, and for reading and appending their messages.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessages(ctx context.Context, chatID string, messages ...models.Message) error
}

// Main handles the web front-end of the chat application, managing server-sent events, HTML
// templates, and the conversation sessions driven by the browser.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	streamer session.Streamer
	store    Store
	models   []string

	sessions *sessionRegistry

	logger *slog.Logger
}

// sessionRegistry keeps one session per chat, so history and the in-flight send survive between
// requests of the same browser tab.
type sessionRegistry struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
}

// sessionEntry pairs a session with the placeholder message the browser is currently listening to.
type sessionEntry struct {
	sess *session.Session

	mu          sync.Mutex
	streamingID string
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "error"
)

// NewMain creates a new Main instance with the provided Streamer and Store implementations. It
// initializes the SSE server and parses the required HTML templates from the embedded filesystem.
// modelNames is the list offered in the model picker, the first one being preselected.
func NewMain(streamer session.Streamer, store Store, modelNames []string, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		promptlab.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
	)

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		markdown:  md,
		streamer:  streamer,
		store:     store,
		models:    modelNames,
		sessions:  &sessionRegistry{entries: make(map[string]*sessionEntry)},
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE subscribes the browser to chat list updates and, with a message_id query, to the live
// text of one assistant message.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It aborts every in-flight send,
// broadcasts a close message to all connected clients and waits up to 5 seconds for connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.cancelAll()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// sessionFor returns the session of chatID, loading its history from the store on first use. An
// unknown chat yields models.ErrChatNotFound and no session.
func (m Main) sessionFor(ctx context.Context, chatID string) (*sessionEntry, error) {
	m.sessions.mu.Lock()
	defer m.sessions.mu.Unlock()

	if e, ok := m.sessions.entries[chatID]; ok {
		return e, nil
	}

	if _, err := m.store.Chat(ctx, chatID); err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	history, err := m.store.Messages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	e := &sessionEntry{}
	e.sess = session.New(chatID, history, m.streamer, m.logger,
		session.WithStore(m.store),
		session.WithOnDelta(func(text string) {
			m.publishText(e.currentID(), text)
		}),
	)
	m.sessions.entries[chatID] = e
	return e, nil
}

func (r *sessionRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.sess.Cancel()
	}
}

// begin claims the session for one send streamed under messageID. It fails if a send is running.
func (e *sessionEntry) begin(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamingID != "" {
		return false
	}
	e.streamingID = messageID
	return true
}

func (e *sessionEntry) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streamingID = ""
}

func (e *sessionEntry) currentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamingID
}

// renderMarkdown converts message text to HTML. Raw HTML in the source is not rendered.
func (m Main) renderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	// goldmark escapes raw HTML unless the unsafe renderer option is set, which we never do.
	return template.HTML(buf.String()), nil
}
