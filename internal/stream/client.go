package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/prompt-lab/internal/models"
)

// DefaultIdleTimeout is the longest time a stream may go without receiving a byte.
const DefaultIdleTimeout = 60 * time.Second

// Request is the payload sent to the chat relay.
type Request struct {
	Messages   []models.Turn `json:"messages"`
	Model      string        `json:"model,omitempty"`
	SearchMode bool          `json:"searchMode"`
}

// TokenSource returns the bearer credential of the current user.
type TokenSource func(ctx context.Context) (string, error)

// Client consumes streamed chat completions from the chat relay.
type Client struct {
	endpoint    string
	token       TokenSource
	apiKey      string
	idleTimeout time.Duration

	client *http.Client

	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used to reach the relay.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithIdleTimeout sets how long the client waits for the next byte before failing with ErrStreamStalled.
// A zero or negative value disables the watchdog.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.idleTimeout = d
	}
}

// WithAPIKey sets the project key sent in the apikey header, required by some function gateways.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// NewClient creates a new Client posting to the relay endpoint, authenticated with token.
func NewClient(endpoint string, token TokenSource, logger *slog.Logger, opts ...Option) Client {
	c := Client{
		endpoint:    endpoint,
		token:       token,
		idleTimeout: DefaultIdleTimeout,
		client:      &http.Client{},
		logger:      logger.With(slog.String("module", "stream")),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

type relayError struct {
	Error string `json:"error"`
}

// Stream sends req to the relay and assembles the streamed answer. onDelta receives the whole text
// assembled so far after every delta; it is called from the calling goroutine and must return quickly.
// The returned text is final: the relay either sent the termination sentinel or closed the stream.
//
// On failure the partial text is discarded. The error is a *StatusError for non-2xx answers,
// ErrNoResponseBody, ErrStreamStalled, or a transport/context error.
func (c Client) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	token, err := c.token(ctx)
	if err != nil {
		return "", fmt.Errorf("error getting token: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd := newWatchdog(c.idleTimeout, func() { cancel(ErrStreamStalled) })
	defer wd.stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}

	c.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", c.streamError(ctx, fmt.Errorf("error sending request: %w", err))
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return "", ErrNoResponseBody
		}
		return "", newStatusError(resp.StatusCode, "")
	}

	body := &onceCloser{ReadCloser: resp.Body}
	defer body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		var re relayError
		// Best effort: the body may be missing or not JSON.
		_ = json.Unmarshal(raw, &re)
		c.logger.Warn("Relay answered with an error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)))
		return "", newStatusError(resp.StatusCode, re.Error)
	}

	text, err := Consume(ctx, wd.reader(body), onDelta, c.logger)
	if err != nil {
		return "", c.streamError(ctx, err)
	}
	return text, nil
}

func (c Client) streamError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrStreamStalled) {
		c.logger.Warn("Stream stalled", slog.Duration("idleTimeout", c.idleTimeout))
		return ErrStreamStalled
	}
	return err
}

// onceCloser closes the wrapped body at most once, whatever the number of exit paths calling Close.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() {
		o.err = o.ReadCloser.Close()
	})
	return o.err
}

// watchdog fires when no progress was reported within its timeout.
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, fire)
	}
	return w
}

func (w *watchdog) kick() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *watchdog) reader(r io.Reader) io.Reader {
	return watchdogReader{r: r, w: w}
}

type watchdogReader struct {
	r io.Reader
	w *watchdog
}

func (wr watchdogReader) Read(p []byte) (int, error) {
	n, err := wr.r.Read(p)
	if n > 0 {
		wr.w.kick()
	}
	return n, err
}
