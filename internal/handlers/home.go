package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/prompt-lab/internal/models"
)

type homePageData struct {
	Chats         []chat
	CurrentChatID string
	Messages      []message
	Models        []string
}

// HandleHome renders the chat list and, when the chat_id query is set, the history of that chat.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	currentChatID := r.URL.Query().Get("chat_id")

	cs := make([]chat, len(chats))
	for i, ch := range chats {
		cs[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == currentChatID,
		}
	}

	var msgs []message
	if currentChatID != "" {
		history, err := m.store.Messages(r.Context(), currentChatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", currentChatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs, err = m.messages(history)
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	data := homePageData{
		Chats:         cs,
		CurrentChatID: currentChatID,
		Messages:      msgs,
		Models:        m.models,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// messages renders finalized messages for display.
func (m Main) messages(history []models.Message) ([]message, error) {
	msgs := make([]message, len(history))
	for i, hm := range history {
		content, err := m.renderMarkdown(models.RenderContents(hm.Contents))
		if err != nil {
			return nil, fmt.Errorf("failed to render message %s: %w", hm.ID, err)
		}
		msgs[i] = message{
			ID:             hm.ID,
			Role:           string(hm.Role),
			Content:        content,
			Timestamp:      hm.Timestamp,
			StreamingState: "ended",
		}
	}
	return msgs, nil
}
