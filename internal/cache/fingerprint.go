package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint is the deterministic cache key for a request: endpoint,
// model, active model version, and a sha256 over the canonicalized
// input. Inputs that differ only in JSON key order or whitespace yield
// the same fingerprint, and the key is stable across process restarts.
func Fingerprint(endpoint, model, version string, input []byte) string {
	h := sha256.Sum256(canonicalize(input))
	return fmt.Sprintf("%s:%s:%s:%s", endpoint, model, version, hex.EncodeToString(h[:]))
}

// canonicalize re-encodes JSON compactly with object keys sorted at
// every depth. Payloads that are not a single JSON value are hashed
// verbatim.
func canonicalize(input []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return input
	}
	if dec.More() {
		return input
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return input
	}
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
