package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/secrets"
)

// maxEnrichResponse caps how much of an enrichment response is read. A
// misbehaving service must not balloon row payloads.
const maxEnrichResponse = 4 << 20

// HTTPEnrich posts each row to an external service and attaches the decoded
// JSON response under a target field. Service pushback (429/503/529) surfaces
// as a capacity failure so the engine retries it against the wall-clock
// budget rather than the attempt counter.
type HTTPEnrich struct {
	url    string
	method string
	target string
	auth   string
	client *http.Client
}

func NewHTTPEnrich(opts map[string]any) (Transform, error) {
	return newHTTPEnrich(opts, secrets.NewLoader(secrets.EnvBackend{}))
}

func newHTTPEnrich(opts map[string]any, loader *secrets.Loader) (Transform, error) {
	url, err := stringOpt("http_enrich", opts, "url")
	if err != nil {
		return nil, err
	}
	method, err := stringOptDefault(opts, "method", http.MethodPost)
	if err != nil {
		return nil, configErrf("http_enrich", "%v", err)
	}
	target, err := stringOptDefault(opts, "target_field", "response")
	if err != nil {
		return nil, configErrf("http_enrich", "%v", err)
	}
	timeout := 30.0
	if v, ok := opts["timeout_seconds"]; ok {
		switch t := v.(type) {
		case int:
			timeout = float64(t)
		case float64:
			timeout = t
		default:
			return nil, configErrf("http_enrich", "timeout_seconds must be a number, got %T", v)
		}
	}
	auth := ""
	if key, ok := opts["auth_secret"]; ok {
		s, ok := key.(string)
		if !ok {
			return nil, configErrf("http_enrich", "auth_secret must be a string, got %T", key)
		}
		// Resolve at construction so a missing credential is a load-time
		// config error, not a per-row failure.
		v, err := loader.Get(s)
		if err != nil {
			return nil, configErrf("http_enrich", "resolving auth_secret %q: %v", s, err)
		}
		auth = "Bearer " + v
	}
	return &HTTPEnrich{
		url:    url,
		method: method,
		target: target,
		auth:   auth,
		client: &http.Client{Timeout: time.Duration(timeout * float64(time.Second))},
	}, nil
}

func (t *HTTPEnrich) Name() string                       { return "http_enrich" }
func (t *HTTPEnrich) Version() string                    { return "1.0.0" }
func (t *HTTPEnrich) Determinism() landscape.Determinism { return landscape.ExternalCall }
func (t *HTTPEnrich) BatchAware() bool                   { return false }
func (t *HTTPEnrich) CreatesTokens() bool                { return false }

func (t *HTTPEnrich) Process(ctx context.Context, row map[string]any) TransformResult {
	body, err := json.Marshal(row)
	if err != nil {
		return Failure(fmt.Sprintf("row not serializable: %v", err), false)
	}
	req, err := http.NewRequestWithContext(ctx, t.method, t.url, bytes.NewReader(body))
	if err != nil {
		return Failure(fmt.Sprintf("building request: %v", err), false)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.auth != "" {
		req.Header.Set("Authorization", t.auth)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// Network-level failures are transient until proven otherwise.
		return Failure(fmt.Sprintf("http_enrich: %v", err), true)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxEnrichResponse))
	if err != nil {
		return Failure(fmt.Sprintf("http_enrich: reading response: %v", err), true)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == 529:
		return CapacityFailure(fmt.Sprintf("http_enrich: status %d from %s", resp.StatusCode, t.url))
	case resp.StatusCode >= 500:
		return Failure(fmt.Sprintf("http_enrich: status %d from %s", resp.StatusCode, t.url), true)
	case resp.StatusCode >= 400:
		return Failure(fmt.Sprintf("http_enrich: status %d from %s", resp.StatusCode, t.url), false)
	}

	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return Failure(fmt.Sprintf("http_enrich: response is not JSON: %v", err), false)
		}
	}
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out[t.target] = decoded
	return Success(out)
}
