package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// DefaultGatewayURL is the OpenAI-compatible AI gateway the relay forwards to.
const DefaultGatewayURL = "https://ai.gateway.lovable.dev/v1"

// Gateway opens streamed chat completions on an OpenAI-compatible AI gateway. It never reads the
// response body: the caller receives the raw response to pipe it through.
type Gateway struct {
	baseURL string
	apiKey  string

	client *http.Client

	logger *slog.Logger
}

// NewGateway creates a Gateway for the given base URL and API key.
func NewGateway(baseURL, apiKey string, client *http.Client, logger *slog.Logger) Gateway {
	if baseURL == "" {
		baseURL = DefaultGatewayURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger.With(slog.String("module", "gateway")),
	}
}

// OpenStream posts req with stream enabled and returns the response whatever its status. The caller owns
// the response body.
func (g Gateway) OpenStream(ctx context.Context, req goopenai.ChatCompletionRequest) (*http.Response, error) {
	req.Stream = true

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	g.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	return resp, nil
}
