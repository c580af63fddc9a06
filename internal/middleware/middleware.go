// Package middleware implements the configurable transformation chain that
// runs over the merged descriptor set: dedup, tag rewriting and truncation.
// Every stage is stateless and returns a new slice; the input is never
// mutated.
package middleware

import (
	"fmt"

	"github.com/John-Robertt/subpipe/internal/model"
)

// Kind names a built-in stage. The set is closed: configuration may order and
// repeat stages but cannot introduce new kinds.
type Kind string

const (
	KindDedup Kind = "dedup"
	KindTag   Kind = "tag"
	KindLimit Kind = "limit"
)

// Stage is the YAML-facing description of one chain element.
type Stage struct {
	Kind Kind `yaml:"kind" json:"kind"`

	// Format applies to tag stages. Tokens: {tag} {protocol} {address}
	// {port} {index}. Empty means "{tag}" with "{address}:{port}" as the
	// fallback for nameless descriptors.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// Max applies to limit stages and must be positive.
	Max int `yaml:"max,omitempty" json:"max,omitempty"`
}

type ConfigError struct {
	Stage int
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("中间件配置第 %d 项无效: %v", e.Stage+1, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Middleware transforms a descriptor sequence and reports what it dropped or
// rewrote. Implementations must be pure: same input, same output.
type Middleware interface {
	Apply(ds []model.ServerDescriptor) ([]model.ServerDescriptor, []model.Diagnostic)
}

// Chain applies its elements strictly in order; each element sees only the
// previous element's output.
type Chain []Middleware

func (c Chain) Apply(ds []model.ServerDescriptor) ([]model.ServerDescriptor, []model.Diagnostic) {
	var diags []model.Diagnostic
	for _, m := range c {
		var d []model.Diagnostic
		ds, d = m.Apply(ds)
		diags = append(diags, d...)
	}
	return ds, diags
}

// Compile validates the stage list and builds the chain. Configuration
// mistakes surface here, before any descriptor is touched.
func Compile(stages []Stage) (Chain, error) {
	chain := make(Chain, 0, len(stages))
	for i, s := range stages {
		switch s.Kind {
		case KindDedup:
			chain = append(chain, Dedup{})
		case KindTag:
			t, err := NewTag(s.Format)
			if err != nil {
				return nil, &ConfigError{Stage: i, Cause: err}
			}
			chain = append(chain, t)
		case KindLimit:
			if s.Max <= 0 {
				return nil, &ConfigError{Stage: i, Cause: fmt.Errorf("limit 的 max 必须为正数，得到 %d", s.Max)}
			}
			chain = append(chain, Limit{Max: s.Max})
		default:
			return nil, &ConfigError{Stage: i, Cause: fmt.Errorf("未知的中间件类型 %q", s.Kind)}
		}
	}
	return chain, nil
}
