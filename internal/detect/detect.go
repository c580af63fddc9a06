// Package detect sniffs the format of a raw subscription document. It never
// trusts the declared hint alone and never evaluates content; detection is
// pure byte inspection. The result is an ordered candidate list the parser
// registry walks with first-success-wins semantics.
package detect

import (
	"bytes"
	"strings"
)

type Format string

const (
	// FormatURIList is a plain-text list of proxy URIs, one per line.
	FormatURIList Format = "uri-list"
	// FormatBase64 is a whole-document base64 wrapper around a URI list.
	FormatBase64 Format = "base64"
	// FormatClash is a Clash subscription YAML with a top-level proxies key.
	FormatClash Format = "clash"
	// FormatSIP008 is the Shadowsocks SIP008 JSON document.
	FormatSIP008 Format = "sip008"
)

// ParseFormat validates a user-supplied hint string.
func ParseFormat(s string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatURIList:
		return FormatURIList, true
	case FormatBase64:
		return FormatBase64, true
	case FormatClash:
		return FormatClash, true
	case FormatSIP008:
		return FormatSIP008, true
	default:
		return "", false
	}
}

var uriSchemes = []string{"ss://", "vmess://", "vless://", "trojan://"}

// Detect returns candidate formats in probe order. The hint, when present,
// goes first; structural matches follow; the remaining formats are appended
// so that a lying Content-Type or a cosmetic prefix cannot make an otherwise
// parseable document unparseable.
func Detect(data []byte, hint Format) []Format {
	out := make([]Format, 0, 4)
	add := func(f Format) {
		for _, have := range out {
			if have == f {
				return
			}
		}
		out = append(out, f)
	}

	if hint != "" {
		if f, ok := ParseFormat(string(hint)); ok {
			add(f)
		}
	}

	s := strings.TrimSpace(strings.TrimPrefix(string(data), "\ufeff"))

	switch {
	case looksLikeJSON(s):
		add(FormatSIP008)
	case looksLikeClashYAML(s):
		add(FormatClash)
	case containsURIScheme(s):
		add(FormatURIList)
	case looksLikeBase64(s):
		add(FormatBase64)
	}

	add(FormatURIList)
	add(FormatBase64)
	add(FormatClash)
	add(FormatSIP008)
	return out
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func looksLikeClashYAML(s string) bool {
	if strings.HasPrefix(s, "proxies:") {
		return true
	}
	// A proxies key further down the document (after port/mode/etc. keys).
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "proxies:" || strings.HasPrefix(line, "proxies:") {
			return true
		}
	}
	return false
}

func containsURIScheme(s string) bool {
	for _, scheme := range uriSchemes {
		if strings.Contains(s, scheme) {
			return true
		}
	}
	return false
}

// looksLikeBase64 reports whether the document consists solely of base64
// alphabet bytes (standard or URL-safe, padding and whitespace allowed).
func looksLikeBase64(s string) bool {
	if s == "" {
		return false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			n++
		case c == '+' || c == '/' || c == '-' || c == '_' || c == '=':
			n++
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
		default:
			return false
		}
	}
	return n > 0
}

// StripBOM removes a leading UTF-8 byte order mark, if present.
func StripBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
}
