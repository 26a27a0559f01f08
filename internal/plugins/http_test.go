package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/secrets"
)

func TestHTTPEnrich(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var row map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&row))
		json.NewEncoder(w).Encode(map[string]any{"score": 0.9, "echo_id": row["id"]})
	}))
	defer srv.Close()

	t.Setenv("ENRICH_API_KEY", "sk-test")
	tr, err := NewHTTPEnrich(map[string]any{
		"url":         srv.URL,
		"auth_secret": "enrich.api_key",
	})
	require.NoError(t, err)
	assert.Equal(t, "http_enrich", tr.Name())

	res := tr.Process(context.Background(), map[string]any{"id": float64(7)})
	require.Equal(t, ResultSuccess, res.Status)
	assert.Equal(t, "Bearer sk-test", gotAuth)

	enriched, ok := res.Row["response"].(map[string]any)
	require.True(t, ok, "response field should hold the decoded body")
	assert.Equal(t, 0.9, enriched["score"])
	assert.Equal(t, float64(7), enriched["echo_id"])
	assert.Equal(t, float64(7), res.Row["id"], "original fields are preserved")
}

func TestHTTPEnrich_StatusHandling(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	tr, err := NewHTTPEnrich(map[string]any{"url": srv.URL, "target_field": "extra"})
	require.NoError(t, err)

	cases := []struct {
		status    int
		retryable bool
		capacity  bool
	}{
		{http.StatusTooManyRequests, true, true},
		{http.StatusServiceUnavailable, true, true},
		{529, true, true},
		{http.StatusBadGateway, true, false},
		{http.StatusUnprocessableEntity, false, false},
		{http.StatusNotFound, false, false},
	}
	for _, tc := range cases {
		status = tc.status
		res := tr.Process(context.Background(), map[string]any{"id": 1})
		require.Equal(t, ResultError, res.Status, "status %d", tc.status)
		assert.Equal(t, tc.retryable, res.Retryable, "status %d", tc.status)
		assert.Equal(t, tc.capacity, res.Capacity, "status %d", tc.status)
	}
}

func TestHTTPEnrich_MissingSecretIsConfigError(t *testing.T) {
	loader := secrets.NewLoader(secrets.EnvBackend{})
	_, err := newHTTPEnrich(map[string]any{
		"url":         "http://example.invalid",
		"auth_secret": "no.such.key.anywhere.zz",
	}, loader)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "auth_secret")
}
