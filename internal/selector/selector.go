// Package selector filters the descriptor set through an ordered list of
// include/exclude rules. A descriptor survives iff it matches at least one
// include rule (or no include rule exists) and matches no exclude rule.
package selector

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/John-Robertt/subpipe/internal/model"
)

type Action string

const (
	ActionInclude Action = "include"
	ActionExclude Action = "exclude"
)

// Rule is the YAML-facing predicate. Set fields combine with AND; an empty
// field matches everything. At least one of the three must be set.
type Rule struct {
	Action   Action `yaml:"action" json:"action"`
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Tag      string `yaml:"tag,omitempty" json:"tag,omitempty"`         // glob
	Address  string `yaml:"address,omitempty" json:"address,omitempty"` // glob
}

type ConfigError struct {
	Rule  int
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("选择器规则第 %d 条无效: %v", e.Rule+1, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

type compiledRule struct {
	action   Action
	protocol model.Protocol
	hasProto bool
	tag      glob.Glob
	address  glob.Glob
	raw      Rule
}

func (r *compiledRule) matches(d model.ServerDescriptor) bool {
	if r.hasProto && d.Protocol != r.protocol {
		return false
	}
	if r.tag != nil && !r.tag.Match(d.Tag) {
		return false
	}
	if r.address != nil && !r.address.Match(d.Address) {
		return false
	}
	return true
}

// Selector is an immutable compiled rule set, safe for concurrent use.
type Selector struct {
	rules       []compiledRule
	hasIncludes bool
}

// Compile validates every rule up front so a typo'd glob fails the run before
// any descriptor is touched.
func Compile(rules []Rule) (*Selector, error) {
	s := &Selector{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if r.Action != ActionInclude && r.Action != ActionExclude {
			return nil, &ConfigError{Rule: i, Cause: fmt.Errorf("action 必须是 include 或 exclude，得到 %q", r.Action)}
		}
		if r.Protocol == "" && r.Tag == "" && r.Address == "" {
			return nil, &ConfigError{Rule: i, Cause: fmt.Errorf("规则至少需要 protocol、tag、address 之一")}
		}
		cr := compiledRule{action: r.Action, raw: r}
		if r.Protocol != "" {
			p, ok := model.ParseProtocol(r.Protocol)
			if !ok {
				return nil, &ConfigError{Rule: i, Cause: fmt.Errorf("未知协议 %q", r.Protocol)}
			}
			cr.protocol, cr.hasProto = p, true
		}
		if r.Tag != "" {
			g, err := glob.Compile(r.Tag)
			if err != nil {
				return nil, &ConfigError{Rule: i, Cause: fmt.Errorf("tag 模式 %q 无法编译: %w", r.Tag, err)}
			}
			cr.tag = g
		}
		if r.Address != "" {
			g, err := glob.Compile(r.Address)
			if err != nil {
				return nil, &ConfigError{Rule: i, Cause: fmt.Errorf("address 模式 %q 无法编译: %w", r.Address, err)}
			}
			cr.address = g
		}
		if r.Action == ActionInclude {
			s.hasIncludes = true
		}
		s.rules = append(s.rules, cr)
	}
	return s, nil
}

// Apply filters the sequence, preserving order. Rules that matched nothing
// produce a warning each so a typo'd pattern is visible in the diagnostics.
func (s *Selector) Apply(ds []model.ServerDescriptor) ([]model.ServerDescriptor, []model.Diagnostic) {
	out := make([]model.ServerDescriptor, 0, len(ds))
	matched := make([]bool, len(s.rules))
	for _, d := range ds {
		included := !s.hasIncludes
		excluded := false
		for i := range s.rules {
			r := &s.rules[i]
			if !r.matches(d) {
				continue
			}
			matched[i] = true
			if r.action == ActionExclude {
				excluded = true
			} else {
				included = true
			}
		}
		if included && !excluded {
			out = append(out, d)
		}
	}

	var diags []model.Diagnostic
	for i, m := range matched {
		if m {
			continue
		}
		r := s.rules[i].raw
		diags = append(diags, model.Diagnostic{
			Stage:    model.StageSelect,
			Severity: model.SeverityWarning,
			Code:     model.CodeRuleUnmatched,
			Message:  fmt.Sprintf("规则第 %d 条（%s protocol=%q tag=%q address=%q）未匹配任何节点", i+1, r.Action, r.Protocol, r.Tag, r.Address),
		})
	}
	return out, diags
}
