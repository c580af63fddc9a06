package middleware

import (
	"fmt"

	"github.com/John-Robertt/subpipe/internal/model"
)

// Dedup keeps the first descriptor per identity key. The merge barrier hands
// the chain a slice already ordered by (source index, entry index), so
// first-seen-wins here is exactly the (source_order, within-source-order)
// tie-break.
type Dedup struct{}

func (Dedup) Apply(ds []model.ServerDescriptor) ([]model.ServerDescriptor, []model.Diagnostic) {
	out := make([]model.ServerDescriptor, 0, len(ds))
	var diags []model.Diagnostic
	seen := make(map[string]model.ServerDescriptor, len(ds))
	for _, d := range ds {
		kept, dup := seen[d.IdentityKey]
		if !dup {
			seen[d.IdentityKey] = d
			out = append(out, d)
			continue
		}
		diags = append(diags, model.Diagnostic{
			Stage:    model.StageMiddleware,
			Severity: model.SeverityWarning,
			Code:     model.CodeDedupDropped,
			Message:  fmt.Sprintf("重复节点 %q 已丢弃，保留 %q（来源 %d 第 %d 条）", d.Tag, kept.Tag, kept.SourceIndex, kept.EntryIndex),
		})
	}
	return out, diags
}
