package middleware

import (
	"errors"
	"reflect"
	"testing"

	"github.com/John-Robertt/subpipe/internal/model"
)

func desc(tag, addr string, port, srcIdx, entryIdx int) model.ServerDescriptor {
	d := model.ServerDescriptor{
		Protocol:    model.ProtocolShadowsocks,
		Address:     addr,
		Port:        port,
		Credentials: model.Credentials{Cipher: "aes-128-gcm", Password: "p"},
		Tag:         tag,
		SourceIndex: srcIdx,
		EntryIndex:  entryIdx,
	}
	d.IdentityKey = d.ComputeIdentityKey()
	return d
}

func tags(ds []model.ServerDescriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Tag
	}
	return out
}

func TestDedup_FirstSeenWins(t *testing.T) {
	in := []model.ServerDescriptor{
		desc("a", "x.example.com", 443, 0, 0),
		desc("b", "y.example.com", 443, 0, 1),
		desc("a2", "x.example.com", 443, 1, 0), // same endpoint as "a"
	}
	out, diags := Dedup{}.Apply(in)
	if got := tags(out); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("tags=%v, want [a b]", got)
	}
	if len(diags) != 1 || diags[0].Code != model.CodeDedupDropped || diags[0].Severity != model.SeverityWarning {
		t.Fatalf("diags=%v, want one DEDUP_DROPPED warning", diags)
	}
	if len(in) != 3 {
		t.Fatalf("input mutated")
	}
}

func TestDedup_Idempotent(t *testing.T) {
	in := []model.ServerDescriptor{
		desc("a", "x.example.com", 443, 0, 0),
		desc("a", "x.example.com", 443, 1, 0),
	}
	once, _ := Dedup{}.Apply(in)
	twice, diags := Dedup{}.Apply(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second pass changed the set")
	}
	if len(diags) != 0 {
		t.Fatalf("second pass emitted diagnostics: %v", diags)
	}
}

func TestTag_Template(t *testing.T) {
	tag, err := NewTag("{protocol}-{address}:{port} #{index}")
	if err != nil {
		t.Fatalf("NewTag: %v", err)
	}
	out, diags := tag.Apply([]model.ServerDescriptor{desc("old", "x.example.com", 443, 0, 0)})
	if len(diags) != 0 {
		t.Fatalf("diags=%v", diags)
	}
	if out[0].Tag != "ss-x.example.com:443 #1" {
		t.Fatalf("tag=%q", out[0].Tag)
	}
}

func TestTag_DefaultFillsEmptyNames(t *testing.T) {
	tag, err := NewTag("")
	if err != nil {
		t.Fatalf("NewTag: %v", err)
	}
	out, _ := tag.Apply([]model.ServerDescriptor{
		desc("keep me", "x.example.com", 443, 0, 0),
		desc("", "y.example.com", 8388, 0, 1),
	})
	if got := tags(out); !reflect.DeepEqual(got, []string{"keep me", "y.example.com:8388"}) {
		t.Fatalf("tags=%v", got)
	}
}

func TestTag_CollisionSuffix(t *testing.T) {
	tag, _ := NewTag("{address}")
	out, _ := tag.Apply([]model.ServerDescriptor{
		desc("a", "x.example.com", 443, 0, 0),
		desc("b", "x.example.com", 8388, 0, 1),
		desc("c", "x.example.com", 8389, 0, 2),
	})
	if got := tags(out); !reflect.DeepEqual(got, []string{"x.example.com", "x.example.com-2", "x.example.com-3"}) {
		t.Fatalf("tags=%v", got)
	}
}

func TestTag_UnknownToken(t *testing.T) {
	if _, err := NewTag("{nope}"); err == nil {
		t.Fatalf("unknown token accepted")
	}
}

func TestLimit_Truncates(t *testing.T) {
	in := []model.ServerDescriptor{
		desc("a", "x.example.com", 1, 0, 0),
		desc("b", "x.example.com", 2, 0, 1),
		desc("c", "x.example.com", 3, 0, 2),
	}
	out, diags := Limit{Max: 2}.Apply(in)
	if got := tags(out); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("tags=%v", got)
	}
	if len(diags) != 1 || diags[0].Code != model.CodeLimitTruncated {
		t.Fatalf("diags=%v, want one LIMIT_TRUNCATED warning", diags)
	}

	out, diags = Limit{Max: 3}.Apply(in)
	if len(out) != 3 || len(diags) != 0 {
		t.Fatalf("under the limit: out=%d diags=%v", len(out), diags)
	}
}

func TestCompile(t *testing.T) {
	chain, err := Compile([]Stage{
		{Kind: KindDedup},
		{Kind: KindTag, Format: "{tag}"},
		{Kind: KindLimit, Max: 10},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("len=%d", len(chain))
	}

	for _, bad := range []Stage{
		{Kind: "reverse"},
		{Kind: KindLimit, Max: 0},
		{Kind: KindTag, Format: "{bogus}"},
	} {
		_, err := Compile([]Stage{bad})
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("stage %+v: err=%v, want *ConfigError", bad, err)
		}
	}
}

func TestChain_Order(t *testing.T) {
	// limit-then-dedup differs from dedup-then-limit; the chain must respect
	// configured order.
	dup := []model.ServerDescriptor{
		desc("a", "x.example.com", 443, 0, 0),
		desc("a", "x.example.com", 443, 0, 1),
		desc("b", "y.example.com", 443, 0, 2),
	}
	chain, _ := Compile([]Stage{{Kind: KindLimit, Max: 2}, {Kind: KindDedup}})
	out, _ := chain.Apply(dup)
	if got := tags(out); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("limit-then-dedup tags=%v, want [a]", got)
	}

	chain, _ = Compile([]Stage{{Kind: KindDedup}, {Kind: KindLimit, Max: 2}})
	out, _ = chain.Apply(dup)
	if got := tags(out); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("dedup-then-limit tags=%v, want [a b]", got)
	}
}
