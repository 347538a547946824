package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/prompt-lab/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	goopenai "github.com/sashabaranov/go-openai"
)

// Completions opens streamed chat completions upstream.
type Completions interface {
	OpenStream(ctx context.Context, req goopenai.ChatCompletionRequest) (*http.Response, error)
}

// Handler is the chat relay: it authenticates the caller, validates the conversation, picks the model
// and the system prompt, and pipes the upstream event stream back without buffering it.
type Handler struct {
	auth        Authenticator
	completions Completions
	catalog     ModelCatalog
	metrics     *Metrics

	maxBodyBytes int64

	logger *slog.Logger
}

// DefaultMaxBodyBytes is the largest request body the relay accepts.
const DefaultMaxBodyBytes = 1 << 20

// Localized messages returned to clients.
const (
	msgUnauthorized     = "Unauthorized"
	msgMessagesRequired = "Messages array is required"
	msgInvalidMessages  = "Invalid messages"
	msgRateLimited      = "Límite de solicitudes excedido. Por favor, intenta de nuevo en unos minutos."
	msgQuotaExhausted   = "Créditos de IA agotados. Por favor, recarga tu cuenta para continuar."
	msgUpstreamError    = "Error al conectar con el servicio de IA. Por favor, intenta de nuevo."
	msgMethodNotAllowed = "Method not allowed"
)

const corsAllowHeaders = "authorization, x-client-info, apikey, content-type, " +
	"x-supabase-client-platform, x-supabase-client-platform-version, " +
	"x-supabase-client-runtime, x-supabase-client-runtime-version"

const errLoggerKey = "error"

type chatRequest struct {
	Messages   json.RawMessage `json:"messages"`
	Model      string          `json:"model"`
	SearchMode bool            `json:"searchMode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler creates the relay handler. A nil metrics records into a private registry that is never
// exposed.
func NewHandler(
	auth Authenticator,
	completions Completions,
	catalog ModelCatalog,
	metrics *Metrics,
	logger *slog.Logger,
) Handler {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return Handler{
		auth:         auth,
		completions:  completions,
		catalog:      catalog,
		metrics:      metrics,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       logger.With(slog.String("module", "relay")),
	}
}

// ServeHTTP implements http.Handler.
func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	user, err := h.auth.Verify(r.Context(), bearerToken(r))
	if err != nil {
		if !errors.Is(err, ErrUnauthorized) {
			h.logger.Error("Failed to verify token", slog.String(errLoggerKey, err.Error()))
		}
		h.metrics.recordRequest(OutcomeRejectedAuth)
		h.writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	logger := h.logger.With(slog.String("userID", user.ID))

	req, status, msg := h.decodeRequest(w, r, logger)
	if status != 0 {
		logger.Debug("Rejected request", slog.Int("status", status), slog.String("reason", msg))
		h.metrics.recordRequest(OutcomeRejectedRequest)
		h.writeError(w, status, msg)
		return
	}

	forwardStart := time.Now()
	resp, err := h.completions.OpenStream(r.Context(), req)
	if err != nil {
		logger.Error("Failed to reach AI gateway", slog.String(errLoggerKey, err.Error()))
		h.metrics.recordRequest(OutcomeUpstreamError)
		h.writeError(w, http.StatusInternalServerError, msgUpstreamError)
		return
	}
	defer resp.Body.Close()

	h.metrics.recordUpstreamStatus(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		logger.Error("AI gateway error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
			slog.String("model", req.Model))
		h.metrics.recordRequest(OutcomeUpstreamError)

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			h.writeError(w, http.StatusTooManyRequests, msgRateLimited)
		case http.StatusPaymentRequired:
			h.writeError(w, http.StatusPaymentRequired, msgQuotaExhausted)
		default:
			h.writeError(w, http.StatusInternalServerError, msgUpstreamError)
		}
		return
	}

	h.pipe(w, r, resp.Body, forwardStart, logger)
}

// decodeRequest validates the body and builds the upstream request. A non-zero status means the request
// is rejected with the returned message.
func (h Handler) decodeRequest(
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
) (goopenai.ChatCompletionRequest, int, string) {
	var cr chatRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&cr); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return goopenai.ChatCompletionRequest{}, http.StatusBadRequest, "Request body too large"
		}
		return goopenai.ChatCompletionRequest{}, http.StatusBadRequest, msgMessagesRequired
	}

	raw := bytes.TrimSpace(cr.Messages)
	if len(raw) == 0 || raw[0] != '[' {
		return goopenai.ChatCompletionRequest{}, http.StatusBadRequest, msgMessagesRequired
	}

	var turns []models.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return goopenai.ChatCompletionRequest{}, http.StatusBadRequest, msgInvalidMessages
	}

	msgs, err := upstreamMessages(turns)
	if err != nil {
		return goopenai.ChatCompletionRequest{}, http.StatusBadRequest, msgInvalidMessages
	}

	model, known := h.catalog.Resolve(cr.Model)
	if !known {
		if cr.Model != "" {
			logger.Warn("Unsupported model requested, using default",
				slog.String("requested", cr.Model),
				slog.String("model", model))
		}
		h.metrics.ModelFallbacksTotal.Inc()
	}

	msgs = append([]goopenai.ChatCompletionMessage{{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: SystemPrompt(cr.SearchMode),
	}}, msgs...)

	return goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	}, 0, ""
}

func upstreamMessages(turns []models.Turn) ([]goopenai.ChatCompletionMessage, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(turns))
	for i, t := range turns {
		if err := t.Role.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}

		if t.IsPlainText() {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(t.Role),
				Content: t.Contents[0].Text,
			})
			continue
		}

		parts := make([]goopenai.ChatMessagePart, 0, len(t.Contents))
		for _, ct := range t.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				parts = append(parts, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: ct.Text,
				})
			case models.ContentTypeImageURL:
				parts = append(parts, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: ct.ImageURL},
				})
			}
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("message %d has no content", i)
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:         string(t.Role),
			MultiContent: parts,
		})
	}
	return msgs, nil
}

// pipe copies the upstream body to the client as it arrives, flushing after every read.
func (h Handler) pipe(w http.ResponseWriter, r *http.Request, body io.Reader, start time.Time, logger *slog.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	h.metrics.ActiveStreams.Inc()
	defer h.metrics.ActiveStreams.Dec()

	outcome := OutcomeStreamed
	defer func() {
		h.metrics.recordRequest(outcome)
		h.metrics.StreamDurationSeconds.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
	}()

	buf := make([]byte, 32*1024)
	first := true
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if first {
				h.metrics.TimeToFirstByteSeconds.Observe(time.Since(start).Seconds())
				first = false
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("Client went away", slog.String(errLoggerKey, werr.Error()))
				outcome = OutcomeDisconnected
				return
			}
			if ferr := rc.Flush(); ferr != nil {
				logger.Debug("Failed to flush", slog.String(errLoggerKey, ferr.Error()))
			}
			h.metrics.RelayedBytesTotal.Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if r.Context().Err() != nil {
				outcome = OutcomeDisconnected
				logger.Debug("Client went away", slog.String(errLoggerKey, err.Error()))
				return
			}
			// Headers are already sent, the client sees a truncated stream.
			outcome = OutcomeUpstreamError
			logger.Error("Failed to read AI gateway stream", slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

func (h Handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: msg}); err != nil {
		h.logger.Error("Failed to write error response", slog.String(errLoggerKey, err.Error()))
	}
}

func setCORSHeaders(hdr http.Header) {
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	hdr.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}
