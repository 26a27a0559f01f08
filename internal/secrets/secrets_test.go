package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	name   string
	values map[string]string
	err    error
}

func (s stubBackend) Name() string { return s.name }

func (s stubBackend) Lookup(key string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func TestLoader_NotFoundFallsThrough(t *testing.T) {
	l := NewLoader(
		stubBackend{name: "a", values: map[string]string{}},
		stubBackend{name: "b", values: map[string]string{"api_key": "from-b"}},
	)
	v, err := l.Get("api_key")
	require.NoError(t, err)
	assert.Equal(t, "from-b", v)

	_, err = l.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoader_AuthErrorStopsChain(t *testing.T) {
	authErr := &AuthError{Backend: "a", Err: errors.New("denied")}
	l := NewLoader(
		stubBackend{name: "a", err: authErr},
		stubBackend{name: "b", values: map[string]string{"api_key": "weaker-credential"}},
	)
	_, err := l.Get("api_key")
	require.Error(t, err)
	var ae *AuthError
	assert.ErrorAs(t, err, &ae)
}

func TestEnvBackend_KeyNormalization(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	v, err := EnvBackend{}.Lookup("openai.api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", v)

	_, err = EnvBackend{}.Lookup("definitely.not.set.anywhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db_password"), []byte("hunter2\n"), 0o600))

	b := FileBackend{Root: dir}
	v, err := b.Lookup("db_password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = b.Lookup("absent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.Lookup("../etc/passwd")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
