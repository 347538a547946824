package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/prompt-lab/internal/models"
	"github.com/MegaGrindStone/prompt-lab/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func helloRequest() stream.Request {
	return stream.Request{
		Messages: []models.Turn{{Role: models.RoleUser, Contents: []models.Content{models.TextContent("Hola")}}},
		Model:    "unknown/model",
	}
}

func newTestClient(url string, opts ...stream.Option) stream.Client {
	return stream.NewClient(url, stream.StaticToken("token-1"), discardLogger(), opts...)
}

func TestClient_StreamsDeltas(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{deltaFrame("Ho"), deltaFrame("la"), "data: [DONE]\n\n"} {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)

	var updates []string
	text, err := newTestClient(srv.URL).Stream(context.Background(), helloRequest(), func(s string) {
		updates = append(updates, s)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hola", text)
	assert.Equal(t, []string{"Ho", "Hola"}, updates)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "unknown/model", gotBody["model"])
	assert.Equal(t, false, gotBody["searchMode"])
	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{"role": "user", "content": "Hola"}, msgs[0])
}

func TestClient_StatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantErr     error
		wantNotErr  error
		wantMessage string
	}{
		{
			name:        "rate limited",
			status:      http.StatusTooManyRequests,
			body:        `{"error":"Límite de solicitudes excedido."}`,
			wantErr:     stream.ErrRateLimited,
			wantNotErr:  stream.ErrUpstream,
			wantMessage: "Límite de solicitudes excedido.",
		},
		{
			name:        "rate limited without body",
			status:      http.StatusTooManyRequests,
			wantErr:     stream.ErrRateLimited,
			wantNotErr:  stream.ErrQuotaExhausted,
			wantMessage: "Rate limit exceeded. Please try again in a few minutes.",
		},
		{
			name:        "quota exhausted",
			status:      http.StatusPaymentRequired,
			body:        `not json`,
			wantErr:     stream.ErrQuotaExhausted,
			wantNotErr:  stream.ErrRateLimited,
			wantMessage: "AI credits exhausted. Please top up your account to keep chatting.",
		},
		{
			name:        "server error",
			status:      http.StatusInternalServerError,
			body:        `{"error":"Error del servicio de IA"}`,
			wantErr:     stream.ErrUpstream,
			wantNotErr:  stream.ErrRateLimited,
			wantMessage: "Error del servicio de IA",
		},
		{
			name:        "bad gateway with invalid body",
			status:      http.StatusBadGateway,
			body:        `{"error":`,
			wantErr:     stream.ErrUpstream,
			wantNotErr:  stream.ErrQuotaExhausted,
			wantMessage: "The AI service failed to answer. Please try again.",
		},
		{
			name:        "unauthorized",
			status:      http.StatusUnauthorized,
			body:        `{"error":"Unauthorized"}`,
			wantErr:     stream.ErrUnauthorized,
			wantNotErr:  stream.ErrRateLimited,
			wantMessage: "Unauthorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			text, err := newTestClient(srv.URL).Stream(context.Background(), helloRequest(), nil)

			require.Error(t, err)
			assert.Empty(t, text)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, tt.wantNotErr)
			assert.Equal(t, tt.wantMessage, err.Error())

			var se *stream.StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
		})
	}
}

func TestClient_NoResponseBody(t *testing.T) {
	t.Parallel()
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}}, nil
	})}

	_, err := newTestClient("http://relay.test", stream.WithHTTPClient(hc)).Stream(context.Background(), helloRequest(), nil)

	require.ErrorIs(t, err, stream.ErrNoResponseBody)
	assert.ErrorIs(t, err, stream.ErrUpstream)
}

type failingBody struct {
	r      io.Reader
	err    error
	closes atomic.Int32
}

func (f *failingBody) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, f.err
	}
	return n, err
}

func (f *failingBody) Close() error {
	f.closes.Add(1)
	return nil
}

func TestClient_ReleasesBodyOnReadError(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("connection reset by peer")
	body := &failingBody{r: strings.NewReader(deltaFrame("partial")), err: errBoom}
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: body, Header: http.Header{}}, nil
	})}

	var updates []string
	text, err := newTestClient("http://relay.test", stream.WithHTTPClient(hc)).Stream(
		context.Background(), helloRequest(), func(s string) { updates = append(updates, s) })

	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, text)
	assert.Equal(t, []string{"partial"}, updates)
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestClient_ReleasesBodyOnSuccess(t *testing.T) {
	t.Parallel()
	body := &failingBody{r: strings.NewReader(deltaFrame("ok") + "data: [DONE]\n\n"), err: io.EOF}
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: body, Header: http.Header{}}, nil
	})}

	text, err := newTestClient("http://relay.test", stream.WithHTTPClient(hc)).Stream(context.Background(), helloRequest(), nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestClient_IdleTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, deltaFrame("Ho"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	var updates []string
	start := time.Now()
	text, err := newTestClient(srv.URL, stream.WithIdleTimeout(100*time.Millisecond)).Stream(
		context.Background(), helloRequest(), func(s string) { updates = append(updates, s) })

	require.ErrorIs(t, err, stream.ErrStreamStalled)
	assert.Empty(t, text)
	assert.Equal(t, []string{"Ho"}, updates)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClient_TokenError(t *testing.T) {
	t.Parallel()
	errNoSession := errors.New("no session")
	c := stream.NewClient("http://relay.test", func(context.Context) (string, error) {
		return "", errNoSession
	}, discardLogger())

	_, err := c.Stream(context.Background(), helloRequest(), nil)

	require.ErrorIs(t, err, errNoSession)
}
