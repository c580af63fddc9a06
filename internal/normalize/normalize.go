// Package normalize maps raw parser entries onto the canonical server model
// and is the single validation gate: a descriptor that leaves this package has
// every required field populated and within range.
package normalize

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/sub"
)

// Options tunes source-level escalation.
type Options struct {
	// ErrorRatio is the escalation threshold in (0, 1]. A source whose
	// invalid-entry count divided by its raw entry count reaches the ratio
	// contributes zero descriptors and one source-level error diagnostic.
	// The default 1.0 rejects a source only when every entry is invalid.
	ErrorRatio float64
}

func (o Options) withDefaults() Options {
	if o.ErrorRatio <= 0 || o.ErrorRatio > 1 {
		o.ErrorRatio = 1.0
	}
	return o
}

// uuidShape is a structural check only. The credential is never interpreted.
var uuidShape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Run converts every raw entry of one source document. Per-entry failures
// become diagnostics and the entry is dropped; the batch never aborts below
// the escalation threshold. Descriptors come back in document order with
// provenance and identity key set.
func Run(entries []sub.RawEntry, source string, sourceIndex int, opt Options) ([]model.ServerDescriptor, []model.Diagnostic) {
	opt = opt.withDefaults()

	descriptors := make([]model.ServerDescriptor, 0, len(entries))
	var diags []model.Diagnostic
	failed := 0

	for i, e := range entries {
		d, err := e.Descriptor()
		if err == nil {
			err = validate(&d)
		}
		if err != nil {
			failed++
			line, snippet := e.Pos()
			diags = append(diags, model.Diagnostic{
				Stage:    model.StageNormalize,
				Severity: model.SeverityError,
				Code:     classify(err),
				Message:  err.Error(),
				Source:   source,
				Line:     line,
				Snippet:  snippet,
			})
			continue
		}
		d.SourceIndex = sourceIndex
		d.EntryIndex = i
		d.IdentityKey = d.ComputeIdentityKey()
		descriptors = append(descriptors, d)
	}

	if n := len(entries); n > 0 && float64(failed)/float64(n) >= opt.ErrorRatio {
		diags = append(diags, model.Diagnostic{
			Stage:    model.StageNormalize,
			Severity: model.SeverityError,
			Code:     model.CodeSourceRejected,
			Message:  fmt.Sprintf("来源条目错误率过高（%d/%d），已拒绝整个来源", failed, n),
			Source:   source,
		})
		return nil, diags
	}
	return descriptors, diags
}

func classify(err error) string {
	switch {
	case errors.Is(err, sub.ErrMissingField):
		return model.CodeMissingField
	case errors.Is(err, sub.ErrOutOfRange):
		return model.CodeOutOfRange
	case errors.Is(err, sub.ErrUnknownProtocol):
		return model.CodeUnknownProtocol
	default:
		return model.CodeEntryInvalid
	}
}

// validate re-checks the canonical fields regardless of which parser produced
// the entry. Parsers enforce most of this already; keeping the gate here means
// no later stage ever sees a partially filled descriptor.
func validate(d *model.ServerDescriptor) error {
	if _, ok := model.ParseProtocol(string(d.Protocol)); !ok {
		return fmt.Errorf("未知的代理协议 %q，已跳过该条目: %w", d.Protocol, sub.ErrUnknownProtocol)
	}
	if d.Address == "" {
		return fmt.Errorf("条目缺少服务器地址: %w", sub.ErrMissingField)
	}
	if !validHost(d.Address) {
		return fmt.Errorf("服务器地址 %q 不是合法的主机名或 IP: %w", d.Address, sub.ErrOutOfRange)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("端口 %d 超出 1-65535 范围: %w", d.Port, sub.ErrOutOfRange)
	}
	return validateCredentials(d)
}

func validateCredentials(d *model.ServerDescriptor) error {
	c := d.Credentials
	switch d.Protocol {
	case model.ProtocolVMess, model.ProtocolVLESS:
		if c.UUID == "" {
			return fmt.Errorf("条目缺少 UUID: %w", sub.ErrMissingField)
		}
		if !uuidShape.MatchString(c.UUID) {
			return fmt.Errorf("UUID %q 不符合格式: %w", c.UUID, sub.ErrOutOfRange)
		}
		if d.Protocol == model.ProtocolVMess && (c.AlterID < 0 || c.AlterID > 65535) {
			return fmt.Errorf("alterId %d 超出范围: %w", c.AlterID, sub.ErrOutOfRange)
		}
	case model.ProtocolTrojan:
		if c.Password == "" {
			return fmt.Errorf("条目缺少密码: %w", sub.ErrMissingField)
		}
	case model.ProtocolShadowsocks:
		if c.Cipher == "" {
			return fmt.Errorf("条目缺少加密方法: %w", sub.ErrMissingField)
		}
		if c.Password == "" {
			return fmt.Errorf("条目缺少密码: %w", sub.ErrMissingField)
		}
	}
	if sub.HasControlChars(c.Password) || sub.HasControlChars(d.Tag) {
		return fmt.Errorf("字段包含控制字符: %w", sub.ErrOutOfRange)
	}
	return nil
}

// validHost accepts an IP literal (v4, v6, bracketed v6) or a hostname that
// survives strict IDNA lookup mapping.
func validHost(h string) bool {
	trimmed := strings.TrimPrefix(strings.TrimSuffix(h, "]"), "[")
	if ip := net.ParseIP(trimmed); ip != nil {
		return true
	}
	if strings.HasPrefix(h, "[") || strings.HasSuffix(h, "]") {
		return false
	}
	_, err := idna.Lookup.ToASCII(h)
	return err == nil
}
