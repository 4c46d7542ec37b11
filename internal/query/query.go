/*
Package query encodes nested parameter trees into the server's
bracket-notation form encoding: {a: {b: 1}} becomes "a[b]=1", and
{xs: [10, 20]} becomes "xs[0]=10&xs[1]=20". The encoder is pure: it
never performs IO, and EncodeOrdered always produces the same bytes for
OrderedParams trees whose key lists are equal. Plain maps, at any
depth, are emitted in Go's randomized map iteration order.

Bit-exact rules:
  - booleans encode as "1" / "0"
  - nil encodes as ""
  - numeric zero encodes as "0"
  - nested keys are emitted parent[child]...
  - arrays use stringified index keys
  - duplicate keys (same call) overwrite, last write wins
*/
package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/OlegKolesnikoff/bitrix24-api-client/types"
)

// pair is one flattened key/value, in emission order.
type pair struct {
	key   string
	value string
}

// OrderedParams is a parameter tree that preserves insertion order via
// Keys, so callers that need deterministic byte output (tests
// asserting exact wire bodies, signature-free URLs) get it. Plain
// map[string]any has no stable iteration order in Go; Encode accepts
// it for convenience where order doesn't matter.
type OrderedParams struct {
	Keys   []string
	Values map[string]any
}

// Encode flattens params into application/x-www-form-urlencoded bytes
// using bracket notation. Key order follows Go's randomized map
// iteration; use EncodeOrdered when stable output is required.
func Encode(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	return EncodeOrdered(OrderedParams{Keys: keys, Values: params})
}

// EncodeOrdered flattens p into bracket-notation form-encoded bytes,
// emitting top-level keys in the exact order given by p.Keys. Later
// occurrences of the same fully-qualified key overwrite earlier ones.
func EncodeOrdered(p OrderedParams) string {
	var pairs []pair
	for _, k := range p.Keys {
		v, ok := p.Values[k]
		if !ok {
			continue
		}
		pairs = append(pairs, flattenValue(k, v)...)
	}
	return encodePairs(dedupe(pairs))
}

// dedupe keeps only the last pair for each key, preserving the
// position of that last occurrence.
func dedupe(pairs []pair) []pair {
	lastIdx := map[string]int{}
	for i, p := range pairs {
		lastIdx[p.key] = i
	}
	out := make([]pair, 0, len(pairs))
	for i, p := range pairs {
		if lastIdx[p.key] == i {
			out = append(out, p)
		}
	}
	return out
}

func encodePairs(pairs []pair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, escapeKey(p.key)+"="+url.QueryEscape(p.value))
	}
	return strings.Join(parts, "&")
}

// escapeKey percent-encodes a bracket-notation key the way the server
// expects: everything unsafe is percent-encoded except the literal
// '[' and ']' delimiters, which must survive for the server to parse
// the nested path.
func escapeKey(key string) string {
	escaped := url.QueryEscape(key)
	escaped = strings.ReplaceAll(escaped, "%5B", "[")
	escaped = strings.ReplaceAll(escaped, "%5D", "]")
	return escaped
}

func flattenValue(key string, v any) []pair {
	switch val := v.(type) {
	case nil:
		return []pair{{key, ""}}
	case bool:
		if val {
			return []pair{{key, "1"}}
		}
		return []pair{{key, "0"}}
	case map[string]any:
		return flattenMap(key, val)
	case types.Params:
		return flattenMap(key, val)
	case OrderedParams:
		return flattenOrdered(key, val)
	case []any:
		var out []pair
		for i, item := range val {
			out = append(out, flattenValue(key+"["+strconv.Itoa(i)+"]", item)...)
		}
		return out
	case []string:
		var out []pair
		for i, item := range val {
			out = append(out, pair{key + "[" + strconv.Itoa(i) + "]", item})
		}
		return out
	case string:
		return []pair{{key, val}}
	case int, int32, int64, uint, uint32, uint64:
		return []pair{{key, fmt.Sprintf("%d", val)}}
	case float32, float64:
		return []pair{{key, formatFloat(val)}}
	default:
		return []pair{{key, fmt.Sprintf("%v", val)}}
	}
}

// flattenMap walks an arbitrary nested map. Go map iteration order is
// randomized; callers needing stable output should pass an
// OrderedParams node instead of a bare map at any nesting depth.
func flattenMap(prefix string, m map[string]any) []pair {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	var out []pair
	for _, k := range keys {
		out = append(out, flattenValue(prefix+"["+k+"]", m[k])...)
	}
	return out
}

func flattenOrdered(prefix string, p OrderedParams) []pair {
	var out []pair
	for _, k := range p.Keys {
		v, ok := p.Values[k]
		if !ok {
			continue
		}
		out = append(out, flattenValue(prefix+"["+k+"]", v)...)
	}
	return out
}

// Decode parses a bracket-notation form-encoded query string back into
// an OrderedParams, the inverse of the encoder: EncodeOrdered(Decode(s))
// == s for any s produced by Encode or EncodeOrdered, because both sides
// walk the same ordered pair list.
func Decode(encoded string) (OrderedParams, error) {
	if encoded == "" {
		return OrderedParams{Values: map[string]any{}}, nil
	}
	segments := strings.Split(encoded, "&")
	keys := make([]string, 0, len(segments))
	values := make(map[string]any, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		kv := strings.SplitN(seg, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return OrderedParams{}, fmt.Errorf("query: decode key %q: %w", kv[0], err)
		}
		val := ""
		if len(kv) == 2 {
			val, err = url.QueryUnescape(kv[1])
			if err != nil {
				return OrderedParams{}, fmt.Errorf("query: decode value for %q: %w", key, err)
			}
		}
		if _, exists := values[key]; !exists {
			keys = append(keys, key)
		}
		values[key] = val
	}
	return OrderedParams{Keys: keys, Values: values}, nil
}

func formatFloat(v any) string {
	f, ok := v.(float64)
	if !ok {
		f32 := v.(float32)
		f = float64(f32)
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
