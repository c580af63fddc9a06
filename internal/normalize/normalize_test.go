package normalize

import (
	"fmt"
	"testing"

	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/sub"
)

// stubEntry is a RawEntry whose Descriptor result is fixed up front.
type stubEntry struct {
	d    model.ServerDescriptor
	err  error
	line int
}

func (s stubEntry) Pos() (int, string) { return s.line, "stub" }
func (s stubEntry) Descriptor() (model.ServerDescriptor, error) {
	return s.d, s.err
}

func validSS(addr string, port int) stubEntry {
	return stubEntry{d: model.ServerDescriptor{
		Protocol:    model.ProtocolShadowsocks,
		Address:     addr,
		Port:        port,
		Credentials: model.Credentials{Cipher: "aes-128-gcm", Password: "pass"},
	}}
}

func TestRun_ProvenanceAndIdentity(t *testing.T) {
	entries := []sub.RawEntry{validSS("a.example.com", 443), validSS("b.example.com", 8388)}

	ds, diags := Run(entries, "src", 3, Options{})
	if len(diags) != 0 {
		t.Fatalf("diags=%v, want none", diags)
	}
	if len(ds) != 2 {
		t.Fatalf("len=%d, want 2", len(ds))
	}
	for i, d := range ds {
		if d.SourceIndex != 3 || d.EntryIndex != i {
			t.Fatalf("ds[%d] provenance=(%d,%d), want (3,%d)", i, d.SourceIndex, d.EntryIndex, i)
		}
		if d.IdentityKey == "" || d.IdentityKey != d.ComputeIdentityKey() {
			t.Fatalf("ds[%d] identity key not set", i)
		}
	}
}

func TestRun_PerEntryFailures(t *testing.T) {
	cases := []struct {
		name  string
		entry stubEntry
		code  string
	}{
		{"descriptor missing field", stubEntry{err: fmt.Errorf("x: %w", sub.ErrMissingField)}, model.CodeMissingField},
		{"descriptor out of range", stubEntry{err: fmt.Errorf("x: %w", sub.ErrOutOfRange)}, model.CodeOutOfRange},
		{"descriptor unknown protocol", stubEntry{err: fmt.Errorf("x: %w", sub.ErrUnknownProtocol)}, model.CodeUnknownProtocol},
		{"descriptor opaque error", stubEntry{err: fmt.Errorf("boom")}, model.CodeEntryInvalid},
		{"zero port", func() stubEntry { e := validSS("a.example.com", 0); return e }(), model.CodeOutOfRange},
		{"port too large", validSS("a.example.com", 70000), model.CodeOutOfRange},
		{"empty address", validSS("", 443), model.CodeMissingField},
		{"address with spaces", validSS("not a host", 443), model.CodeOutOfRange},
		{"unknown protocol enum", stubEntry{d: model.ServerDescriptor{Protocol: "hysteria2", Address: "a.example.com", Port: 443}}, model.CodeUnknownProtocol},
		{"ss without cipher", stubEntry{d: model.ServerDescriptor{Protocol: model.ProtocolShadowsocks, Address: "a.example.com", Port: 443, Credentials: model.Credentials{Password: "p"}}}, model.CodeMissingField},
		{"trojan without password", stubEntry{d: model.ServerDescriptor{Protocol: model.ProtocolTrojan, Address: "a.example.com", Port: 443}}, model.CodeMissingField},
		{"vmess malformed uuid", stubEntry{d: model.ServerDescriptor{Protocol: model.ProtocolVMess, Address: "a.example.com", Port: 443, Credentials: model.Credentials{UUID: "not-a-uuid"}}}, model.CodeOutOfRange},
		{"tag with newline", func() stubEntry {
			e := validSS("a.example.com", 443)
			e.d.Tag = "bad\nname"
			return e
		}(), model.CodeOutOfRange},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			good := validSS("keep.example.com", 443)
			ds, diags := Run([]sub.RawEntry{tc.entry, good}, "src", 0, Options{})
			if len(ds) != 1 {
				t.Fatalf("len(ds)=%d, want 1 (the valid entry survives)", len(ds))
			}
			if len(diags) != 1 {
				t.Fatalf("len(diags)=%d, want 1", len(diags))
			}
			if diags[0].Code != tc.code {
				t.Fatalf("code=%q, want %q", diags[0].Code, tc.code)
			}
			if diags[0].Severity != model.SeverityError || diags[0].Stage != model.StageNormalize {
				t.Fatalf("diag=%+v, want normalize-stage error", diags[0])
			}
		})
	}
}

func TestRun_HostForms(t *testing.T) {
	for _, addr := range []string{"192.0.2.1", "2001:db8::1", "[2001:db8::1]", "xn--fsq.example", "例子.example"} {
		ds, diags := Run([]sub.RawEntry{validSS(addr, 443)}, "src", 0, Options{})
		if len(ds) != 1 || len(diags) != 0 {
			t.Fatalf("addr %q rejected: diags=%v", addr, diags)
		}
	}
}

func TestRun_RatioEscalation(t *testing.T) {
	bad := stubEntry{err: fmt.Errorf("x: %w", sub.ErrMissingField)}
	good := validSS("a.example.com", 443)

	// Half the entries fail; at ratio 0.5 the whole source is rejected.
	ds, diags := Run([]sub.RawEntry{bad, good}, "src", 0, Options{ErrorRatio: 0.5})
	if len(ds) != 0 {
		t.Fatalf("len(ds)=%d, want 0 after escalation", len(ds))
	}
	last := diags[len(diags)-1]
	if last.Code != model.CodeSourceRejected || last.Severity != model.SeverityError {
		t.Fatalf("last diag=%+v, want SOURCE_REJECTED error", last)
	}

	// Default ratio 1.0 keeps the source unless every entry is invalid.
	ds, _ = Run([]sub.RawEntry{bad, good}, "src", 0, Options{})
	if len(ds) != 1 {
		t.Fatalf("len(ds)=%d, want 1 at default ratio", len(ds))
	}
	ds, diags = Run([]sub.RawEntry{bad, bad}, "src", 0, Options{})
	if len(ds) != 0 || diags[len(diags)-1].Code != model.CodeSourceRejected {
		t.Fatalf("all-invalid source not rejected: ds=%d diags=%v", len(ds), diags)
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	ds, diags := Run(nil, "src", 0, Options{})
	if len(ds) != 0 || len(diags) != 0 {
		t.Fatalf("empty batch: ds=%d diags=%d", len(ds), len(diags))
	}
}
