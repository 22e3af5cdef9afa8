// Package links maps filesystem path segments to URL path segments and back.
//
// Every href the server emits is built here, and every request path is taken
// apart here, so the two directions cannot drift.
package links

import (
	"net/url"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// EncodeSegment percent-encodes a single filesystem name for use as one URL
// path segment. Only RFC 3986 unreserved bytes are left as is; everything
// else, including every byte of a non-UTF-8 sequence, becomes %XX. The names
// "." and ".." are fully encoded so they never read as dot-segments.
func EncodeSegment(name string) string {
	if name == "." || name == ".." {
		return strings.Repeat("%2E", len(name))
	}
	n := 0
	for i := 0; i < len(name); i++ {
		if !unreserved(name[i]) {
			n++
		}
	}
	if n == 0 {
		return name
	}
	var b strings.Builder
	b.Grow(len(name) + 2*n)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// DecodeSegment reverses EncodeSegment. It accepts any valid percent-encoding,
// not only the canonical one EncodeSegment produces.
func DecodeSegment(seg string) (string, error) {
	return url.PathUnescape(seg)
}

// Split returns the raw (still encoded) segments of an escaped path. Empty
// segments from leading, trailing or doubled slashes are dropped.
func Split(escaped string) []string {
	parts := strings.Split(escaped, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DecodePath splits an escaped path and decodes every segment.
func DecodePath(escaped string) ([]string, error) {
	raw := Split(escaped)
	segs := make([]string, 0, len(raw))
	for _, r := range raw {
		s, err := DecodeSegment(r)
		if err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	return segs, nil
}

// Href builds the absolute link for the given decoded segments below prefix.
// Directories (and the root) get a trailing slash so relative references
// resolve against them.
func Href(prefix string, segs []string, dir bool) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('/')
	for i, s := range segs {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(EncodeSegment(s))
	}
	if dir && len(segs) > 0 {
		b.WriteByte('/')
	}
	return b.String()
}

// NormalizePrefix turns a configured route prefix into "" or "/a/b" form.
func NormalizePrefix(p string) string {
	segs := Split(strings.TrimSpace(p))
	if len(segs) == 0 {
		return ""
	}
	return "/" + strings.Join(segs, "/")
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
