package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/prompt-lab/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentityServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon-key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+validToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"4f1c","email":"ana@example.com","role":"authenticated"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIdentityVerifier_Verify(t *testing.T) {
	t.Parallel()
	srv := newIdentityServer(t)
	v := relay.NewIdentityVerifier(srv.URL+"/", "anon-key", nil, discardLogger())

	user, err := v.Verify(context.Background(), validToken)
	require.NoError(t, err)
	assert.Equal(t, relay.User{ID: "4f1c", Email: "ana@example.com"}, user)

	_, err = v.Verify(context.Background(), "expired")
	assert.ErrorIs(t, err, relay.ErrUnauthorized)

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, relay.ErrUnauthorized)
}

func TestIdentityVerifier_ProviderDown(t *testing.T) {
	t.Parallel()
	srv := newIdentityServer(t)
	url := srv.URL
	srv.Close()

	v := relay.NewIdentityVerifier(url, "anon-key", nil, discardLogger())
	_, err := v.Verify(context.Background(), validToken)

	require.Error(t, err)
	assert.NotErrorIs(t, err, relay.ErrUnauthorized)
}

func TestModelCatalog_Resolve(t *testing.T) {
	t.Parallel()
	c := relay.DefaultModelCatalog()

	model, ok := c.Resolve("openai/gpt-5")
	assert.True(t, ok)
	assert.Equal(t, "openai/gpt-5", model)

	model, ok = c.Resolve("unknown/model")
	assert.False(t, ok)
	assert.Equal(t, relay.DefaultModel, model)

	model, ok = c.Resolve("")
	assert.False(t, ok)
	assert.Equal(t, relay.DefaultModel, model)

	custom, err := relay.NewModelCatalog("openai/gpt-5-mini", "openai/gpt-5")
	require.NoError(t, err)
	assert.Equal(t, []string{"openai/gpt-5-mini", "openai/gpt-5"}, custom.Models())

	_, err = relay.NewModelCatalog("")
	assert.Error(t, err)
}
