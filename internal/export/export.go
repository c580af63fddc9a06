// Package export turns the final descriptor sequence into a target
// configuration document. Serialization order equals descriptor order and the
// produced document is validated before it is returned: an unexportable
// result is never silently written.
package export

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/subpipe/internal/model"
)

type Target string

const (
	TargetClash   Target = "clash"
	TargetSingbox Target = "singbox"
	TargetSurge   Target = "surge"
)

// ParseTarget maps a configuration string to the target enum.
func ParseTarget(s string) (Target, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clash":
		return TargetClash, true
	case "singbox", "sing-box":
		return TargetSingbox, true
	case "surge":
		return TargetSurge, true
	default:
		return "", false
	}
}

type ExportError struct {
	Diagnostic model.Diagnostic
	Cause      error
}

func (e *ExportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Diagnostic.Code, e.Diagnostic.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Diagnostic.Code, e.Diagnostic.Message, e.Cause)
}

func (e *ExportError) Unwrap() error { return e.Cause }

func newExportError(stage, code, message, snippet string, cause error) *ExportError {
	return &ExportError{
		Diagnostic: model.Diagnostic{
			Stage:    stage,
			Severity: model.SeverityError,
			Code:     code,
			Message:  message,
			Snippet:  snippet,
		},
		Cause: cause,
	}
}

// Exporter renders one target format.
type Exporter interface {
	Target() Target
	// Postprocess derives target-only fields from canonical ones. It is a
	// pure function; a failure means a derivation bug, not bad input.
	Postprocess(ds []model.ServerDescriptor) ([]model.ServerDescriptor, error)
	// Export serializes in descriptor order and validates the document
	// against the target schema before returning it.
	Export(ds []model.ServerDescriptor) ([]byte, error)
}

// Registry maps targets to exporters.
type Registry struct {
	exporters map[Target]Exporter
}

func NewRegistry(exporters ...Exporter) *Registry {
	m := make(map[Target]Exporter, len(exporters))
	for _, e := range exporters {
		m[e.Target()] = e
	}
	return &Registry{exporters: m}
}

// Default returns a registry with every built-in target.
func Default() *Registry {
	return NewRegistry(Clash{}, Singbox{}, Surge{})
}

func (r *Registry) Get(t Target) (Exporter, error) {
	e, ok := r.exporters[t]
	if !ok {
		return nil, newExportError(model.StageExport, "UNSUPPORTED_TARGET",
			fmt.Sprintf("不支持的 target：%s", t), string(t), nil)
	}
	return e, nil
}

// uniqueTags fills in empty display names and suffixes duplicates so every
// target sees a unique, non-empty name. Shared by every exporter's
// Postprocess.
func uniqueTags(ds []model.ServerDescriptor) []model.ServerDescriptor {
	out := make([]model.ServerDescriptor, 0, len(ds))
	used := make(map[string]bool, len(ds))
	for _, d := range ds {
		d = d.Clone()
		name := d.Tag
		if name == "" {
			name = fmt.Sprintf("%s:%d", d.Address, d.Port)
		}
		unique := name
		for n := 2; used[unique]; n++ {
			unique = fmt.Sprintf("%s-%d", name, n)
		}
		used[unique] = true
		d.Tag = unique
		out = append(out, d)
	}
	return out
}

// pluginOptsString flattens SIP003 plugin options into "k=v;k=v" form.
func pluginOptsString(opts []model.KV) string {
	parts := make([]string, 0, len(opts))
	for _, kv := range opts {
		if kv.Value == "" {
			parts = append(parts, kv.Key)
			continue
		}
		parts = append(parts, kv.Key+"="+kv.Value)
	}
	return strings.Join(parts, ";")
}
