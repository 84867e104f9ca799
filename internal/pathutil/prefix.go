package pathutil

import (
	"net/url"
	"strings"
)

// NormalizePrefix returns a leading-slash prefix without a trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// HasPathPrefix reports whether path equals prefix or is nested under it.
func HasPathPrefix(path, prefix string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Rest returns what follows prefix in path, without a leading slash. ok is
// false when path is not under prefix.
func Rest(path, prefix string) (string, bool) {
	if !HasPathPrefix(path, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, NormalizePrefix(prefix))
	return strings.TrimLeft(rest, "/"), true
}

// Segments splits an escaped path into its non-empty escaped segments.
func Segments(escapedPath string) []string {
	parts := strings.Split(escapedPath, "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Unescape decodes one escaped path segment, returning it unchanged when it
// is not valid percent-encoding.
func Unescape(segment string) string {
	decoded, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return decoded
}

// JoinURL appends an escaped path and optional raw query to base.
func JoinURL(base, escapedPath, rawQuery string) string {
	joined := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(escapedPath, "/")
	if rawQuery != "" {
		joined += "?" + rawQuery
	}
	return joined
}
