package logging

import (
	"context"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// scrubFields is the mandatory redaction list: these field names are
// scrubbed wherever they occur, at any nesting depth, regardless of
// case.
var scrubFields = map[string]bool{
	"auth":          true,
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"token":         true,
	"password":      true,
	"key":           true,
	"secret":        true,
	"code":          true,
	"authorization": true,
}

const redactedPlaceholder = "[REDACTED]"

const maxRedactDepth = 10

var base64Like = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

var dataImagePrefix = regexp.MustCompile(`^data:image/([a-zA-Z0-9.+-]+);base64,`)

// RedactValue walks v (a decoded JSON-like structure of maps, slices,
// scalars) and returns a redacted copy: sensitive field names are
// replaced with a placeholder, oversized base64-looking byte streams
// are collapsed to a summary, and context-like values are dropped
// entirely rather than serialized. Cycles (possible via pointers) are
// broken by tracking visited pointers; depth beyond maxRedactDepth is
// truncated.
func RedactValue(v any) any {
	return redact(v, 0, map[uintptr]bool{})
}

func redact(v any, depth int, seen map[uintptr]bool) any {
	if depth > maxRedactDepth {
		return "[TRUNCATED]"
	}
	if isContextLike(v) {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		if ptr := mapPtr(val); ptr != 0 {
			if seen[ptr] {
				return "[CYCLE]"
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if scrubFields[strings.ToLower(k)] {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redact(vv, depth+1, seen)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redact(item, depth+1, seen)
		}
		return out
	case string:
		return redactString(val)
	default:
		return v
	}
}

// redactString collapses byte streams that look like base64 or a data
// URI, and rewrites URLs whose query carries a scrubbed parameter
// name.
func redactString(s string) string {
	if m := dataImagePrefix.FindStringSubmatch(s); m != nil && len(s) > 500 {
		return "[IMAGE BASE64 DATA type=" + m[1] + ", length=" + strconv.Itoa(len(s)) + "]"
	}
	if len(s) > 500 && base64Like.MatchString(s) {
		return "[BASE64 DATA length=" + strconv.Itoa(len(s)) + "]"
	}
	if looksLikeURL(s) {
		return RedactURL(s)
	}
	return s
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// RedactURL rewrites any query parameter whose name is in the scrub
// list so its value becomes the placeholder, while the rest of the URL
// is preserved byte-for-byte where possible.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for name := range q {
		if scrubFields[strings.ToLower(name)] {
			q.Set(name, redactedPlaceholder)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// isContextLike reports whether v carries a context.Context (or
// anything satisfying its interface), which must never be serialized.
func isContextLike(v any) bool {
	if v == nil {
		return false
	}
	_, ok := v.(context.Context)
	return ok
}

// mapPtr returns a stable identity for a map value (for cycle
// detection), or 0 for a nil map.
func mapPtr(m map[string]any) uintptr {
	if m == nil {
		return 0
	}
	return reflect.ValueOf(m).Pointer()
}
