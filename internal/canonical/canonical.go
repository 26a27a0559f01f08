// Package canonical produces byte-identical JSON serializations and stable
// SHA-256 digests for audited values. The rules follow RFC 8785 in spirit:
// object keys sorted bytewise, no insignificant whitespace, UTF-8 NFC
// strings, integral numbers rendered without a fractional part, timestamps
// rendered as RFC 3339 UTC with an explicit offset.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Version tags the serialization rules in force. It is stored on every run
// so an exported audit trail can be re-verified years later.
const Version = "sha256-rfc8785-v1"

// Decimal carries an exact decimal value through canonicalization. Decimals
// are rendered as JSON strings so they survive round-trips without binary
// float drift.
type Decimal string

// Error reports a value that cannot be canonicalized: an unsupported type,
// a non-finite float, or a non-string map key.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "canonical: " + e.Reason
	}
	return "canonical: " + e.Path + ": " + e.Reason
}

// Bytes returns the canonical JSON serialization of v.
func Bytes(v any) ([]byte, error) {
	var b strings.Builder
	if err := encode(&b, v, "$"); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical bytes of v.
func Hash(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash is Hash for values the caller constructed itself. A failure means
// internal state is corrupt, so it panics rather than returning an error.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(fmt.Sprintf("canonical: MustHash on internal value: %v", err))
	}
	return h
}

// ReprHash hashes the Go-syntax representation of v. It exists only for
// quarantined Tier-3 rows whose external payloads may contain values the
// canonical encoder rejects (NaN, Infinity). Callers must opt in explicitly.
func ReprHash(v any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", v)))
	return hex.EncodeToString(sum[:])
}

func encode(b *strings.Builder, v any, path string) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case string:
		encodeString(b, x)
		return nil
	case int:
		b.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int8:
		b.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int16:
		b.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int32:
		b.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
		return nil
	case uint:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
		return nil
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
		return nil
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
		return nil
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
		return nil
	case uint64:
		b.WriteString(strconv.FormatUint(x, 10))
		return nil
	case float32:
		return encodeFloat(b, float64(x), path)
	case float64:
		return encodeFloat(b, x, path)
	case Decimal:
		encodeString(b, string(x))
		return nil
	case time.Time:
		// RFC 3339 in UTC with an explicit +00:00 offset, never "Z".
		encodeString(b, x.UTC().Format("2006-01-02T15:04:05.999999999-07:00"))
		return nil
	case map[string]any:
		return encodeMap(b, x, path)
	case []any:
		return encodeSlice(b, x, path)
	}

	// Typed slices and string-keyed maps arrive from plugin code; anything
	// else is outside the canonical type set.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		b.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encode(b, rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return &Error{Path: path, Reason: fmt.Sprintf("map key type %s is not a string", rv.Type().Key())}
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeMap(b, m, path)
	}
	return &Error{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
}

func encodeFloat(b *strings.Builder, f float64, path string) error {
	if math.IsNaN(f) {
		return &Error{Path: path, Reason: "NaN is not canonicalizable"}
	}
	if math.IsInf(f, 0) {
		return &Error{Path: path, Reason: "Infinity is not canonicalizable"}
	}
	// Integral floats render without a fractional part.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeMap(b *strings.Builder, m map[string]any, path string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeString(b, k)
		b.WriteByte(':')
		if err := encode(b, m[k], path+"."+k); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func encodeSlice(b *strings.Builder, s []any, path string) error {
	b.WriteByte('[')
	for i, el := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encode(b, el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func encodeString(b *strings.Builder, s string) {
	s = norm.NFC.String(s)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
