package middleware

import (
	"fmt"

	"github.com/John-Robertt/subpipe/internal/model"
)

// Limit truncates the sequence to at most Max descriptors, preserving order.
type Limit struct {
	Max int
}

func (l Limit) Apply(ds []model.ServerDescriptor) ([]model.ServerDescriptor, []model.Diagnostic) {
	if len(ds) <= l.Max {
		return append([]model.ServerDescriptor(nil), ds...), nil
	}
	out := append([]model.ServerDescriptor(nil), ds[:l.Max]...)
	diag := model.Diagnostic{
		Stage:    model.StageMiddleware,
		Severity: model.SeverityWarning,
		Code:     model.CodeLimitTruncated,
		Message:  fmt.Sprintf("节点数量超过上限 %d，已丢弃 %d 个", l.Max, len(ds)-l.Max),
	}
	return out, []model.Diagnostic{diag}
}
