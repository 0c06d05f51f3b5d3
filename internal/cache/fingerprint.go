package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// TemplateKey identifies a compiled template. A new content hash yields a new
// key, which is how edits invalidate compiled plans.
func TemplateKey(templateID, contentHash string) string {
	return "tpl:" + hashParts(templateID, contentHash)
}

// ResultKey fingerprints a generation request. Parameters and options are
// serialized canonically (object keys sorted at every depth, numbers in
// shortest form) so that semantically equal requests collide regardless of
// map insertion order.
func ResultKey(mode, subject, contentHash string, params map[string]any, options any) (string, error) {
	p, err := canonical(params)
	if err != nil {
		return "", err
	}
	o, err := canonical(options)
	if err != nil {
		return "", err
	}
	return "res:" + hashParts(mode, subject, contentHash, string(p), string(o)), nil
}

// canonical relies on encoding/json emitting map keys in sorted order.
func canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(v)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			return nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
