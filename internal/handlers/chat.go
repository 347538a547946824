package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/prompt-lab/internal/models"
	"github.com/MegaGrindStone/prompt-lab/internal/session"
	"github.com/MegaGrindStone/prompt-lab/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	errorSSEType        = sse.Type("error")
	closeMessageSSEType = sse.Type("closeMessage")
)

const (
	maxTitleRunes = 48

	newChatTitle = "New chat"
)

// HandleChats processes chat interactions through HTTP POST requests. It accepts the user message
// through form data, creates a chat when no chat_id is given, and starts streaming the answer in the
// background. The answer reaches the browser through the message topic of the returned placeholder.
//
// Form fields: "message" (required unless an "image_url" is given), "chat_id", "model",
// "search_mode" and any number of "image_url".
//
// For a new chat the complete chatbox is rendered, otherwise only the user message and the assistant
// placeholder.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		m.logger.Error("Failed to parse form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	contents := formContents(r)
	if len(contents) == 0 {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	var err error

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat(r.Context(), contents)
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	}

	entry, err := m.sessionFor(r.Context(), chatID)
	if errors.Is(err, models.ErrChatNotFound) {
		m.logger.Warn("Unknown chat", slog.String("chatID", chatID))
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		m.logger.Error("Failed to open chat session",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	aiMsgID := uuid.New().String()
	if !entry.begin(aiMsgID) {
		http.Error(w, session.ErrSendInFlight.Error(), http.StatusConflict)
		return
	}
	entry.sess.SetModel(r.FormValue("model"))
	entry.sess.SetSearchMode(formBool(r.FormValue("search_mode")))

	history := entry.sess.History()

	userContent, err := m.renderMarkdown(models.RenderContents(contents))
	if err != nil {
		entry.end()
		m.logger.Error("Failed to render contents", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	userMsg := message{
		ID:             uuid.New().String(),
		Role:           string(models.RoleUser),
		Content:        userContent,
		Timestamp:      time.Now(),
		StreamingState: "ended",
	}
	aiMsg := message{
		ID:             aiMsgID,
		Role:           string(models.RoleAssistant),
		Timestamp:      time.Now(),
		StreamingState: "loading",
	}

	go m.chat(entry, contents, aiMsgID)

	if isNewChat {
		msgs, err := m.messages(history)
		if err != nil {
			m.logger.Error("Failed to render history", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data := homePageData{
			CurrentChatID: chatID,
			Messages:      append(msgs, userMsg, aiMsg),
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", userMsg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", aiMsg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// formContents collects the text and image parts of the posted message, skipping empty ones.
func formContents(r *http.Request) []models.Content {
	var contents []models.Content
	if msg := strings.TrimSpace(r.FormValue("message")); msg != "" {
		contents = append(contents, models.TextContent(msg))
	}
	for _, u := range r.Form["image_url"] {
		if u = strings.TrimSpace(u); u != "" {
			contents = append(contents, models.ImageContent(u))
		}
	}
	return contents
}

// formBool accepts both checkbox ("on") and boolean form values.
func formBool(v string) bool {
	if v == "on" {
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func (m Main) newChat(ctx context.Context, contents []models.Content) (string, error) {
	newChat := models.Chat{
		ID:    uuid.New().String(),
		Title: chatTitle(contents),
	}
	newChatID, err := m.store.AddChat(ctx, newChat)
	if err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	divs, err := m.chatDivs(ctx, newChatID)
	if err != nil {
		return "", fmt.Errorf("failed to create chat divs: %w", err)
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		return "", fmt.Errorf("failed to publish chats: %w", err)
	}

	return newChatID, nil
}

// chatTitle derives the title of a chat from its first message: the text on a single line, cut to
// maxTitleRunes.
func chatTitle(contents []models.Content) string {
	var parts []string
	for _, c := range contents {
		if c.Type == models.ContentTypeText {
			parts = append(parts, c.Text)
		}
	}
	title := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if title == "" {
		return newChatTitle
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimRight(string(runes[:maxTitleRunes]), " ") + "..."
}

// chat runs one send of the session and publishes its outcome to the message topic: live text while
// it streams, an error event on failure, and a close event in every case.
func (m Main) chat(entry *sessionEntry, contents []models.Content, aiMsgID string) {
	topic := messageIDTopic(aiMsgID)

	// Ensure SSE connection cleanup on function exit
	defer func() {
		entry.end()
		e := &sse.Message{Type: closeMessageSSEType}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, topic)
	}()

	if _, err := entry.sess.Send(context.Background(), contents); err != nil {
		m.logger.Error("Failed to answer message",
			slog.String("chatID", entry.sess.ChatID()),
			slog.String(errLoggerKey, err.Error()))

		e := &sse.Message{Type: errorSSEType}
		e.AppendData(userMessage(err))
		if err := m.sseSrv.Publish(e, topic); err != nil {
			m.logger.Error("Failed to publish error", slog.String(errLoggerKey, err.Error()))
		}
	}
}

// publishText pushes the rendered assistant text to the browser listening on messageID.
func (m Main) publishText(messageID, text string) {
	if messageID == "" {
		return
	}

	rendered, err := m.renderMarkdown(text)
	if err != nil {
		m.logger.Error("Failed to render contents", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: messagesSSEType,
	}
	msg.AppendData(string(rendered))
	if err := m.sseSrv.Publish(&msg, messageIDTopic(messageID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// userMessage is the toast text shown for a failed send.
func userMessage(err error) string {
	var statusErr *stream.StatusError
	switch {
	case errors.As(err, &statusErr):
		return statusErr.Message
	case errors.Is(err, stream.ErrStreamStalled):
		return "The answer stopped arriving. Please try again."
	case errors.Is(err, session.ErrEmptyResponse):
		return "The model returned an empty response. Please try again."
	case errors.Is(err, context.Canceled):
		return "The answer was canceled."
	default:
		return "Something went wrong while answering. Please try again."
	}
}

func (m Main) chatDivs(ctx context.Context, activeID string) (string, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
