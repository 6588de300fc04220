// Package audit maintains the per-job tamper-evident log: every state
// transition is appended as a SHA-256 hash-chained entry over a canonical
// JSON encoding, and any job's chain can be re-verified end to end.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonicalize produces the deterministic JSON encoding used as hash input.
// The encoding is part of the external contract (other languages must be able
// to reproduce it): object keys sorted by code point, compact separators,
// floats without trailing zeros, timestamps as ISO-8601 UTC, no HTML escaping.
func Canonicalize(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeCanonicalString(buf, val)
	case time.Time:
		return writeCanonicalString(buf, val.UTC().Format(time.RFC3339Nano))
	case json.Number:
		return writeCanonicalNumber(buf, val.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32:
		return writeCanonicalFloat(buf, float64(val))
	case float64:
		return writeCanonicalFloat(buf, val)
	case map[string]interface{}:
		return writeCanonicalObject(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Anything else (structs, typed maps/slices, pointers) is normalized
		// by a round-trip through encoding/json into the generic forms above.
		generic, err := toGeneric(v)
		if err != nil {
			return err
		}
		return writeCanonical(buf, generic)
	}
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeCanonicalString emits a JSON string without HTML escaping, so "<" is
// "<" on every platform rather than Go's default "<".
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode canonical string: %w", err)
	}
	// Encoder appends a newline; drop it.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// writeCanonicalFloat emits integral floats without a decimal point and
// fractional floats with the fewest digits that round-trip.
func writeCanonicalFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite float %v is not representable in canonical JSON", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// writeCanonicalNumber normalizes a decimal literal: exponents are expanded,
// trailing fractional zeros and a bare trailing dot are trimmed.
func writeCanonicalNumber(buf *bytes.Buffer, s string) error {
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", s, err)
		}
		return writeCanonicalFloat(buf, f)
	}
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
		if s == "" || s == "-" {
			s += "0"
		}
	}
	buf.WriteString(s)
	return nil
}

// toGeneric round-trips a value through JSON into maps, slices, strings, and
// json.Number so the canonical writer only ever sees generic forms.
func toGeneric(v interface{}) (interface{}, error) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("normalize value for canonical encoding: %w", err)
	}
	dec := json.NewDecoder(&tmp)
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize value for canonical encoding: %w", err)
	}
	return out, nil
}
