package corehttp

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Headers is a case-insensitive header map holding one value per name.
// Setting a name that is already present overwrites its value, so a request
// can never carry duplicate header names. The first spelling seen for a name
// is kept for the wire.
type Headers struct {
	m map[string]headerEntry
}

type headerEntry struct {
	name  string
	value string
}

// NewHeaders returns an empty header map.
func NewHeaders() Headers {
	return Headers{m: make(map[string]headerEntry)}
}

// HeadersFromHTTP converts an http.Header. Repeated fields are joined with
// ", " as a list-valued field allows. Set-Cookie keeps its first value
// only, since cookies cannot be comma-joined; read the backend's raw header
// when every cookie matters.
func HeadersFromHTTP(h http.Header) Headers {
	out := NewHeaders()
	for name, values := range h {
		switch {
		case len(values) == 0:
			continue
		case len(values) == 1, strings.EqualFold(name, "Set-Cookie"):
			out.Set(name, values[0])
		default:
			out.Set(name, strings.Join(values, ", "))
		}
	}
	return out
}

// Set stores value under name, replacing any existing value.
func (h *Headers) Set(name, value string) {
	if h.m == nil {
		h.m = make(map[string]headerEntry)
	}
	key := strings.ToLower(name)
	if prev, ok := h.m[key]; ok {
		name = prev.name
	}
	h.m[key] = headerEntry{name: name, value: value}
}

// Get returns the value stored under name, or "" when absent.
func (h Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup returns the value stored under name and whether it is present.
func (h Headers) Lookup(name string) (string, bool) {
	e, ok := h.m[strings.ToLower(name)]
	return e.value, ok
}

// Del removes name.
func (h *Headers) Del(name string) {
	delete(h.m, strings.ToLower(name))
}

// Len returns the number of headers.
func (h Headers) Len() int { return len(h.m) }

// Names returns the header names in their wire spelling, sorted
// case-insensitively.
func (h Headers) Names() []string {
	names := make([]string, 0, len(h.m))
	for _, e := range h.m {
		names = append(names, e.name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// Range calls fn for each header in sorted name order until fn returns false.
func (h Headers) Range(fn func(name, value string) bool) {
	for _, name := range h.Names() {
		if !fn(name, h.m[strings.ToLower(name)].value) {
			return
		}
	}
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	out := Headers{m: make(map[string]headerEntry, len(h.m))}
	for k, e := range h.m {
		out.m[k] = e
	}
	return out
}

// HTTP converts the map to an http.Header. Names keep their wire spelling.
func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(h.m))
	for _, e := range h.m {
		out[e.name] = []string{e.value}
	}
	return out
}

// retryAfter extracts a server-requested wait from a throttling response.
// The millisecond headers take precedence over Retry-After, which may be
// given in seconds or as an HTTP date. It returns zero when no hint is
// present or parseable.
func retryAfter(headers Headers) time.Duration {
	for _, name := range []string{"x-ms-retry-after-ms", "retry-after-ms"} {
		if val := headers.Get(name); val != "" {
			if ms, err := strconv.ParseInt(val, 10, 64); err == nil && ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}

	val := headers.Get("Retry-After")
	if val == "" {
		return 0
	}

	// Try parsing as seconds first
	if seconds, err := strconv.Atoi(val); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP date format
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// redactSecret masks a secret for logging, showing only a short prefix.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 10 {
		return "REDACTED"
	}
	return secret[:7] + "***REDACTED"
}
