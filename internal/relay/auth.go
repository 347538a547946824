package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when the bearer credential is missing or rejected by the identity provider.
var ErrUnauthorized = errors.New("unauthorized")

// User is the identity behind a verified bearer token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Authenticator verifies the bearer token of a request.
type Authenticator interface {
	Verify(ctx context.Context, token string) (User, error)
}

// AuthFunc adapts a function to the Authenticator interface.
type AuthFunc func(ctx context.Context, token string) (User, error)

// Verify implements Authenticator.
func (f AuthFunc) Verify(ctx context.Context, token string) (User, error) {
	return f(ctx, token)
}

// IdentityVerifier verifies tokens against the identity provider of the backend: the token is only
// trusted if the provider's user endpoint accepts it.
type IdentityVerifier struct {
	baseURL string
	apiKey  string

	client *http.Client

	logger *slog.Logger
}

// NewIdentityVerifier creates a verifier for the auth service at baseURL. apiKey is the project key
// sent along with every verification.
func NewIdentityVerifier(baseURL, apiKey string, client *http.Client, logger *slog.Logger) IdentityVerifier {
	if client == nil {
		client = &http.Client{}
	}
	return IdentityVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger.With(slog.String("module", "identity")),
	}
}

// Verify implements Authenticator.
func (v IdentityVerifier) Verify(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return User{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("error verifying token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		v.logger.Debug("Token rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		return User{}, ErrUnauthorized
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, fmt.Errorf("error decoding user: %w", err)
	}
	if user.ID == "" {
		return User{}, ErrUnauthorized
	}

	return user, nil
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
