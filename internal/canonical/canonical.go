// Package canonical produces the deterministic byte form that audit entries
// are hashed and signed over.
//
// The encoding is JSON with object keys sorted by byte order at every depth,
// array order preserved, no insignificant whitespace and no HTML escaping.
// Stored hashes and signatures depend on these rules, so they must not change
// once entries exist.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns the canonical encoding of v. Struct values are normalized
// through their JSON tags first.
func Marshal(v any) ([]byte, error) {
	generic, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Document returns v in generic object form. Numbers are kept as json.Number
// so their literal text survives a round trip.
func Document(v any) (map[string]any, error) {
	generic, err := normalize(v)
	if err != nil {
		return nil, err
	}
	doc, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("canonical: expected object, got %T", generic)
	}
	return doc, nil
}

// Value returns v in generic JSON form: map[string]any, []any, string,
// json.Number, bool or nil.
func Value(v any) (any, error) {
	return normalize(v)
}

// Parse decodes one JSON object the same way Document does.
func Parse(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("canonical: expected object, got null")
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after object")
	}
	return doc, nil
}

// Without returns a shallow copy of doc minus the named keys.
func Without(doc map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func normalize(v any) (any, error) {
	raw, err := marshalPlain(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: normalize: %w", err)
	}
	return out, nil
}

func marshalPlain(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		b, err := marshalPlain(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalPlain(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Values that did not pass through normalize (float64 from a caller's
		// own decode, for instance).
		n, err := normalize(val)
		if err != nil {
			return err
		}
		return encode(buf, n)
	}
	return nil
}
