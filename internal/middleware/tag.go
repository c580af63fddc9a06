package middleware

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/John-Robertt/subpipe/internal/model"
)

var tagToken = regexp.MustCompile(`\{[^{}]*\}`)

var knownTokens = map[string]bool{
	"{tag}":      true,
	"{protocol}": true,
	"{address}":  true,
	"{port}":     true,
	"{index}":    true,
}

// Tag rewrites every descriptor's display name from a token template. The
// rewrite is deterministic: rendering depends only on the descriptor and its
// 1-based position, and name collisions get a numeric suffix in encounter
// order.
type Tag struct {
	format string
}

// NewTag validates the template. An empty format keeps the original tag and
// only fills in nameless descriptors.
func NewTag(format string) (Tag, error) {
	if format == "" {
		format = "{tag}"
	}
	for _, tok := range tagToken.FindAllString(format, -1) {
		if !knownTokens[tok] {
			return Tag{}, fmt.Errorf("标签模板包含未知占位符 %s", tok)
		}
	}
	return Tag{format: format}, nil
}

func (t Tag) Apply(ds []model.ServerDescriptor) ([]model.ServerDescriptor, []model.Diagnostic) {
	out := make([]model.ServerDescriptor, 0, len(ds))
	used := make(map[string]bool, len(ds))
	for i, d := range ds {
		d = d.Clone()
		name := t.render(d, i+1)
		if name == "" {
			name = fmt.Sprintf("%s:%d", d.Address, d.Port)
		}
		// Same suffix scheme as config names elsewhere: "x", "x-2", "x-3".
		unique := name
		for n := 2; used[unique]; n++ {
			unique = fmt.Sprintf("%s-%d", name, n)
		}
		used[unique] = true
		d.Tag = unique
		out = append(out, d)
	}
	return out, nil
}

func (t Tag) render(d model.ServerDescriptor, index int) string {
	r := strings.NewReplacer(
		"{tag}", d.Tag,
		"{protocol}", string(d.Protocol),
		"{address}", d.Address,
		"{port}", strconv.Itoa(d.Port),
		"{index}", strconv.Itoa(index),
	)
	return strings.TrimSpace(r.Replace(t.format))
}
