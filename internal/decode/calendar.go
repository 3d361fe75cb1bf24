package decode

import (
	"strings"

	"github.com/VickoT/FamilyDash/internal/snapshot"
)

// Calendar decodes one calendar feed. The payload must be structured:
// either an object holding the event list under "events", "items" or
// "events_<window>", or a bare JSON array of events. Anything else is a
// no-op; there is no scalar fallback.
//
// Events are normalised to
//
//	{"summary": string, "start": string, "end": string|nil,
//	 "all_day": bool, "location": string|nil}
//
// where start/end accept both plain strings and Google-style
// {"date": ...} / {"dateTime": ...} objects. Events without a start are
// dropped.
func Calendar(window string) Decoder {
	keys := []string{"events", "items"}
	if window != "" {
		keys = append(keys, "events_"+window)
	}
	return Decoder{
		Fields: []string{"events", "count", "generated_at"},
		decode: func(_ string, payload []byte) snapshot.Fields {
			return decodeCalendar(payload, keys)
		},
	}
}

func decodeCalendar(payload []byte, keys []string) snapshot.Fields {
	out := snapshot.Fields{}
	v, ok := parseJSON(payload)
	if !ok {
		return out
	}

	var raw []any
	switch t := v.(type) {
	case []any:
		raw = t
	case map[string]any:
		found, ok := lookupFirst(t, keys)
		if !ok {
			return out
		}
		if raw, ok = found.([]any); !ok {
			return out
		}
		if s, ok := toString(t["generated_at"]); ok {
			out.Set("generated_at", s)
		}
	default:
		return out
	}

	events := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if ev, ok := normalizeEvent(obj); ok {
			events = append(events, ev)
		}
	}
	out.Set("events", events)
	out.Set("count", int64(len(events)))
	return out
}

func normalizeEvent(obj map[string]any) (map[string]any, bool) {
	start, startIsDate, ok := eventTime(obj["start"])
	if !ok {
		return nil, false
	}
	ev := map[string]any{
		"summary":  "",
		"start":    start,
		"end":      nil,
		"all_day":  startIsDate,
		"location": nil,
	}
	if v, ok := lookupFirst(obj, []string{"summary", "title", "name"}); ok {
		if s, ok := toString(v); ok {
			ev["summary"] = strings.TrimSpace(s)
		}
	}
	if end, _, ok := eventTime(obj["end"]); ok {
		ev["end"] = end
	}
	if v, ok := lookupFirst(obj, []string{"all_day", "allDay"}); ok {
		if b, ok := toBool(v); ok {
			ev["all_day"] = b
		}
	}
	if s, ok := toString(obj["location"]); ok && s != "" {
		ev["location"] = s
	}
	return ev, true
}

// eventTime reads a start or end value. isDate reports whether the value
// is a plain date (an all-day event).
func eventTime(v any) (value string, isDate bool, ok bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return "", false, false
		}
		return t, len(t) == len("2006-01-02"), true
	case map[string]any:
		if s, ok := t["dateTime"].(string); ok && s != "" {
			return s, false, true
		}
		if s, ok := t["date"].(string); ok && s != "" {
			return s, true, true
		}
	}
	return "", false, false
}
