// Package headers canonicalizes caller-supplied header maps before they reach
// a transport.
//
// Keys are folded to their MIME canonical form ("content-type" becomes
// "Content-Type"). Keys that collide after folding are merged into a single
// entry whose values are kept as an ordered list; nothing is joined with
// commas, since Set-Cookie and friends do not survive that. Values from
// colliding keys are ordered by the original key spelling (byte order), then
// by the order of the source maps, so the output never depends on map
// iteration order.
package headers

import (
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

type entry struct {
	key    string
	source int
	values []string
}

// Normalize merges one or more header maps into a canonical http.Header.
// Accepted value types are string, []string, []any and anything fmt can
// print; nil values and blank keys are dropped.
func Normalize(sources ...map[string]any) http.Header {
	var entries []entry
	for i, src := range sources {
		for k, v := range src {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			values := flatten(v)
			if len(values) == 0 {
				continue
			}
			entries = append(entries, entry{key: key, source: i, values: values})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].source < entries[j].source
	})

	out := make(http.Header, len(entries))
	for _, e := range entries {
		ck := textproto.CanonicalMIMEHeaderKey(e.key)
		out[ck] = append(out[ck], e.values...)
	}
	return out
}

// FromHTTP converts an http.Header into the loose form accepted by Normalize.
func FromHTTP(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func flatten(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, flatten(item)...)
		}
		return out
	default:
		return []string{fmt.Sprint(val)}
	}
}
