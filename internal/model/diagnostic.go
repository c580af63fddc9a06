package model

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is one accumulated pipeline finding. Diagnostics are never
// discarded: every stage appends to the run's ordered list and the caller
// decides what to render.
type Diagnostic struct {
	Stage    string   `json:"stage" yaml:"stage"`
	Severity Severity `json:"severity" yaml:"severity"`
	Code     string   `json:"code" yaml:"code"`
	Message  string   `json:"message" yaml:"message"`

	Source  string `json:"source,omitempty" yaml:"source,omitempty"`
	Line    int    `json:"line,omitempty" yaml:"line,omitempty"` // 1-based; 0 means "not set"
	Snippet string `json:"snippet,omitempty" yaml:"snippet,omitempty"`
	Hint    string `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// Stage names, aligned across error payloads, logs and metrics.
const (
	StageFetch       = "fetch_sub"
	StageDetect      = "detect"
	StageParse       = "parse_sub"
	StageNormalize   = "normalize"
	StageMiddleware  = "middleware"
	StageSelect      = "select"
	StagePostprocess = "postprocess"
	StageExport      = "export"
)

// Diagnostic codes emitted by the pipeline. Codes whose drop marks the run as
// partial are listed in lossyCodes below.
const (
	CodeFetchFailed      = "FETCH_FAILED"
	CodeFetchTimeout     = "FETCH_TIMEOUT"
	CodeFetchTooLarge    = "TOO_LARGE"
	CodeFetchNotFound    = "NOT_FOUND"
	CodeCacheFallback    = "CACHE_FALLBACK"
	CodeDetectUnknown    = "FORMAT_UNKNOWN"
	CodeParseError       = "SUB_PARSE_ERROR"
	CodeMissingField     = "MISSING_FIELD"
	CodeOutOfRange       = "OUT_OF_RANGE"
	CodeUnknownProtocol  = "UNKNOWN_PROTOCOL"
	CodeEntryInvalid     = "ENTRY_INVALID"
	CodeSourceRejected   = "SOURCE_REJECTED"
	CodeSourceCancelled  = "SOURCE_CANCELLED"
	CodeDedupDropped     = "DEDUP_DROPPED"
	CodeLimitTruncated   = "LIMIT_TRUNCATED"
	CodeRuleUnmatched    = "SELECTOR_RULE_UNMATCHED"
	CodeSchemaViolation  = "SCHEMA_VIOLATION"
	CodeUnsupportedProto = "UNSUPPORTED_PROTOCOL_FOR_TARGET"
)
