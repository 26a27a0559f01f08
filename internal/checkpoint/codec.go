package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tachyon-beep/elspeth/internal/canonical"
)

// Dumps serializes checkpoint state to canonical JSON. Non-finite floats at
// any nesting depth are rejected: a checkpoint that cannot round-trip is
// worse than no checkpoint.
func Dumps(v any) (string, error) {
	if err := rejectNonFinite(v, "$"); err != nil {
		return "", err
	}
	b, err := canonical.Bytes(v)
	if err != nil {
		return "", fmt.Errorf("checkpoint encode: %w", err)
	}
	return string(b), nil
}

// Loads decodes checkpoint state. Numbers decode as int64 when integral and
// float64 otherwise, matching what Dumps emitted.
func Loads(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("checkpoint decode: %w", err)
	}
	return convertNumbers(raw)
}

func convertNumbers(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("checkpoint decode: bad number %q", x.String())
		}
		return f, nil
	case map[string]any:
		for k, el := range x {
			conv, err := convertNumbers(el)
			if err != nil {
				return nil, err
			}
			x[k] = conv
		}
		return x, nil
	case []any:
		for i, el := range x {
			conv, err := convertNumbers(el)
			if err != nil {
				return nil, err
			}
			x[i] = conv
		}
		return x, nil
	default:
		return v, nil
	}
}

func rejectNonFinite(v any, path string) error {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("checkpoint encode: non-finite float at %s", path)
		}
	case float32:
		return rejectNonFinite(float64(x), path)
	case map[string]any:
		for k, el := range x {
			if err := rejectNonFinite(el, path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, el := range x {
			if err := rejectNonFinite(el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
