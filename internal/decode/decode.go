// Package decode turns raw MQTT payloads into partial snapshot updates.
//
// Each data domain has one [Decoder]. A decoder is a pure function of
// (topic, payload): it never returns an error and never writes anywhere.
// A payload it cannot make sense of yields an empty update, which the
// caller treats as a no-op.
//
// Field extraction is table-driven. Every field lists the keys it may
// arrive under, in priority order; the first key present with a
// non-null value is used. Keys may be dotted paths into nested objects
// ("current.temperature"). Numeric values are accepted as JSON numbers
// or as strings that parse after trimming; anything else, including
// NaN and infinities, is treated as unknown rather than zero.
package decode

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/VickoT/FamilyDash/internal/snapshot"
)

// Decoder extracts fields for one domain.
type Decoder struct {
	// Fields is every field name the decoder can produce. It doubles as
	// the domain's snapshot schema.
	Fields []string
	// Primary is the field a bare scalar payload is assigned to. Empty
	// means the domain requires structured payloads.
	Primary string

	decode func(topic string, payload []byte) snapshot.Fields
}

// Func wraps a hand-written decoding function. fields and primary have
// the same meaning as on [Decoder].
func Func(fields []string, primary string, fn func(topic string, payload []byte) snapshot.Fields) Decoder {
	return Decoder{Fields: fields, Primary: primary, decode: fn}
}

// Decode runs the decoder. The result may be empty but is never nil.
func (d Decoder) Decode(topic string, payload []byte) snapshot.Fields {
	if d.decode == nil {
		return snapshot.Fields{}
	}
	out := d.decode(topic, payload)
	if out == nil {
		return snapshot.Fields{}
	}
	return out
}

type kind int

const (
	kindString kind = iota
	kindInt
	kindFloat
	kindBool
	kindList
)

// field describes one extractable value.
type field struct {
	name    string
	kind    kind
	aliases []string
}

func str(name string, aliases ...string) field {
	return field{name, kindString, withName(name, aliases)}
}
func num(name string, aliases ...string) field {
	return field{name, kindFloat, withName(name, aliases)}
}
func integer(name string, aliases ...string) field {
	return field{name, kindInt, withName(name, aliases)}
}
func boolean(name string, aliases ...string) field {
	return field{name, kindBool, withName(name, aliases)}
}
func list(name string, aliases ...string) field {
	return field{name, kindList, withName(name, aliases)}
}

// withName returns aliases, or just name when no aliases were given.
func withName(name string, aliases []string) []string {
	if len(aliases) == 0 {
		return []string{name}
	}
	return aliases
}

// objectDecoder builds a decoder from a field table. primary must be one
// of the fields, or empty to disable the scalar fallback.
func objectDecoder(primary string, fields ...field) Decoder {
	names := make([]string, len(fields))
	var primaryField *field
	for i := range fields {
		names[i] = fields[i].name
		if fields[i].name == primary {
			primaryField = &fields[i]
		}
	}
	return Decoder{
		Fields:  names,
		Primary: primary,
		decode: func(_ string, payload []byte) snapshot.Fields {
			out := snapshot.Fields{}
			if obj, ok := parseObject(payload); ok {
				extract(obj, fields, out)
				return out
			}
			if primaryField != nil {
				if v, ok := scalar(payload); ok {
					out.Set(primaryField.name, coerce(primaryField.kind, v))
				}
			}
			return out
		},
	}
}

// extract fills out from obj according to fields.
func extract(obj map[string]any, fields []field, out snapshot.Fields) {
	for _, f := range fields {
		v, ok := lookupFirst(obj, f.aliases)
		if !ok {
			continue
		}
		out.Set(f.name, coerce(f.kind, v))
	}
}

// parseObject decodes payload as a JSON object. Numbers are kept as
// [json.Number] so integers survive without float rounding.
func parseObject(payload []byte) (map[string]any, bool) {
	v, ok := parseJSON(payload)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

func parseJSON(payload []byte) (any, bool) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return v, true
}

// scalar returns the payload as a trimmed string with one layer of
// surrounding double quotes removed. Empty payloads are rejected.
func scalar(payload []byte) (string, bool) {
	s := strings.TrimSpace(string(payload))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return "", false
	}
	return s, true
}

// lookupFirst returns the value of the first alias that is present and
// non-null in obj.
func lookupFirst(obj map[string]any, aliases []string) (any, bool) {
	for _, a := range aliases {
		if v, ok := lookup(obj, a); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// lookup resolves a dotted path. A key that literally contains a dot is
// tried before descending.
func lookup(obj map[string]any, path string) (any, bool) {
	if v, ok := obj[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := obj[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(child, rest)
}

// coerce converts v to the field's kind. It returns nil for values that
// cannot be represented, which [snapshot.Fields.Set] skips.
func coerce(k kind, v any) any {
	switch k {
	case kindString:
		if s, ok := toString(v); ok {
			return s
		}
	case kindInt:
		if n, ok := toInt(v); ok {
			return n
		}
	case kindFloat:
		if f, ok := toFloat(v); ok {
			return f
		}
	case kindBool:
		if b, ok := toBool(v); ok {
			return b
		}
	case kindList:
		if l, ok := v.([]any); ok {
			return normalizeList(l)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toInt parses through float and truncates toward zero, so "42.7"
// becomes 42.
func toInt(v any) (int64, bool) {
	f, ok := toFloat(v)
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if !ok || f >= 1<<63 || f < -(1<<63) {
		return 0, false
	}
	return int64(f), true
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case json.Number:
		switch t.String() {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	case string:
		return parseBool(t)
	}
	return false, false
}

// parseBool accepts the spellings publishers use for presence and
// on/off flags.
func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "on", "yes", "online":
		return true, true
	case "false", "0", "off", "no", "offline":
		return false, true
	}
	return false, false
}

// normalizeList converts a decoded JSON array into plain Go values:
// objects become map[string]any and numbers become float64 or int64.
func normalizeList(l []any) []any {
	out := make([]any, len(l))
	for i, e := range l {
		out[i] = normalize(e)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, ok := toFloat(t); ok {
			return f
		}
		return nil
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case []any:
		return normalizeList(t)
	default:
		return v
	}
}
