// Package secrets resolves credentials from an ordered chain of backends.
// Only a genuine not-found falls through to the next backend: auth, HTTP,
// and network failures propagate unchanged, because silently falling back to
// a weaker credential is a security regression, not resilience.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound signals the key does not exist in a backend. It is the ONLY
// error class that lets the composite loader try the next backend.
var ErrNotFound = errors.New("secrets: not found")

// AuthError is an authentication or authorization failure against a backend.
type AuthError struct {
	Backend string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("secrets: %s: authentication failed: %v", e.Backend, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }

// Backend resolves one secret key.
type Backend interface {
	Name() string
	Lookup(key string) (string, error)
}

// EnvBackend reads secrets from environment variables, uppercasing the key
// and replacing separators: "openai.api_key" → "OPENAI_API_KEY".
type EnvBackend struct{}

func (EnvBackend) Name() string { return "env" }

func (EnvBackend) Lookup(key string) (string, error) {
	name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("env var %s: %w", name, ErrNotFound)
	}
	return v, nil
}

// FileBackend reads one secret per file under a root directory, the pattern
// used for mounted secret volumes.
type FileBackend struct {
	Root string
}

func (FileBackend) Name() string { return "file" }

func (b FileBackend) Lookup(key string) (string, error) {
	if strings.Contains(key, "..") || strings.ContainsRune(key, os.PathSeparator) {
		return "", fmt.Errorf("secrets: invalid key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(b.Root, key))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("secret file %s: %w", key, ErrNotFound)
	}
	if errors.Is(err, os.ErrPermission) {
		return "", &AuthError{Backend: "file", Err: err}
	}
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Loader composes backends in priority order.
type Loader struct {
	backends []Backend
}

func NewLoader(backends ...Backend) *Loader {
	return &Loader{backends: backends}
}

// Get returns the first backend's value for key. A backend error other than
// ErrNotFound stops the chain immediately.
func (l *Loader) Get(key string) (string, error) {
	if len(l.backends) == 0 {
		return "", fmt.Errorf("secrets: no backends configured")
	}
	for _, b := range l.backends {
		v, err := b.Lookup(key)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("secrets: key %q: %w", key, ErrNotFound)
}
