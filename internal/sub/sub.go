// Package sub defines the parser capability shared by all subscription
// formats and the registry that dispatches over the format detector's
// candidate list.
package sub

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/subpipe/internal/detect"
	"github.com/John-Robertt/subpipe/internal/model"
)

// Bounds shared by every parser. Adversarial payloads must hit one of these
// limits instead of an unbounded allocation.
const (
	// MaxEntries caps the number of raw entries per document.
	MaxEntries = 10000
	// MaxLineLen caps one line / one URI.
	MaxLineLen = 8192
	// MaxFieldLen caps one decoded field (name, password, path, ...).
	MaxFieldLen = 2048
)

// Sentinel causes for per-entry semantic failures. The normalizer classifies
// Descriptor errors with errors.Is against these.
var (
	ErrMissingField    = errors.New("missing field")
	ErrOutOfRange      = errors.New("out of range")
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// RawEntry is one format-specific record. It is opaque outside the producing
// parser and the normalizer: the only things the rest of the pipeline may do
// with it are ask where it came from and map it to the canonical model.
type RawEntry interface {
	// Pos returns the 1-based source line (0 when not line-oriented) and a
	// short snippet for diagnostics.
	Pos() (line int, snippet string)
	// Descriptor maps the entry to the canonical model. Semantic failures
	// wrap ErrMissingField, ErrOutOfRange or ErrUnknownProtocol.
	Descriptor() (model.ServerDescriptor, error)
}

type Parser interface {
	Format() detect.Format
	// Parse turns the whole document into raw entries. A structural failure
	// (the document is not this format) returns *ParseError and no entries.
	Parse(source string, data []byte) ([]RawEntry, error)
}

type ParseError struct {
	Diagnostic model.Diagnostic
	Cause      error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Diagnostic.Code, e.Diagnostic.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Diagnostic.Code, e.Diagnostic.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

func NewParseError(source string, line int, snippet, message, hint string, cause error) *ParseError {
	return &ParseError{
		Diagnostic: model.Diagnostic{
			Stage:    model.StageParse,
			Severity: model.SeverityError,
			Code:     model.CodeParseError,
			Message:  message,
			Source:   source,
			Line:     line,
			Snippet:  snippet,
			Hint:     hint,
		},
		Cause: cause,
	}
}

// Registry maps format identifiers to parser implementations.
type Registry struct {
	parsers map[detect.Format]Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	m := make(map[detect.Format]Parser, len(parsers))
	for _, p := range parsers {
		m[p.Format()] = p
	}
	return &Registry{parsers: m}
}

// Parse walks candidates in order and returns the first parser's successful
// result. When every candidate fails, the error of the first attempted
// candidate is returned: it corresponds to the most plausible format and
// carries the most useful line/snippet information.
func (r *Registry) Parse(source string, data []byte, candidates []detect.Format) ([]RawEntry, detect.Format, error) {
	var firstErr error
	tried := 0
	for _, f := range candidates {
		p, ok := r.parsers[f]
		if !ok {
			continue
		}
		tried++
		entries, err := p.Parse(source, data)
		if err == nil {
			return entries, f, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if tried == 0 {
		return nil, "", NewParseError(source, 0, "", "没有可用的订阅解析器", "", nil)
	}
	return nil, "", firstErr
}

// DecodeBase64 tries the standard alphabet (with padding) first, then
// URL-safe, then the raw variants. Subscription providers disagree on which
// one they emit.
func DecodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// TruncateSnippet flattens newlines and cuts the snippet to max bytes so
// diagnostics stay single-line and bounded.
func TruncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// HasControlChars reports whether s contains bytes that must never appear in
// names, credentials or hosts.
func HasControlChars(s string) bool {
	return strings.ContainsAny(s, "\r\n\x00")
}
