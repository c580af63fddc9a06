package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/subpipe/internal/model"
)

func ssNode(tag string, port int) model.ServerDescriptor {
	return model.ServerDescriptor{
		Protocol:    model.ProtocolShadowsocks,
		Address:     "ss.example.com",
		Port:        port,
		Credentials: model.Credentials{Cipher: "aes-128-gcm", Password: "pass"},
		Tag:         tag,
	}
}

func sampleSet() []model.ServerDescriptor {
	return []model.ServerDescriptor{
		ssNode("ss-1", 8388),
		{
			Protocol:    model.ProtocolVMess,
			Address:     "vm.example.com",
			Port:        443,
			Credentials: model.Credentials{UUID: "6d6c3d3e-31d1-4e0b-9c75-6c5b4a5e6f70", AlterID: 0},
			TLS:         &model.TLSParams{SNI: "vm.example.com"},
			Transport:   &model.TransportParams{Network: "ws", Path: "/ws", Host: "vm.example.com"},
			Tag:         "vmess-1",
		},
		{
			Protocol:    model.ProtocolVLESS,
			Address:     "vl.example.com",
			Port:        443,
			Credentials: model.Credentials{UUID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", Flow: "xtls-rprx-vision"},
			TLS: &model.TLSParams{SNI: "vl.example.com", Reality: &model.RealityParams{
				PublicKey: "pbk", ShortID: "0123", Fingerprint: "chrome",
			}},
			Transport: &model.TransportParams{Network: "grpc", ServiceName: "svc"},
			Tag:       "vless-1",
		},
		{
			Protocol:    model.ProtocolTrojan,
			Address:     "tr.example.com",
			Port:        443,
			Credentials: model.Credentials{Password: "tp"},
			TLS:         &model.TLSParams{SNI: "tr.example.com", Insecure: true},
			Tag:         "trojan-1",
		},
	}
}

func TestClash_Export(t *testing.T) {
	out, err := Clash{}.Export(sampleSet())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	var doc struct {
		Proxies []map[string]any `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("output not YAML: %v", err)
	}
	if len(doc.Proxies) != 4 {
		t.Fatalf("proxies=%d, want 4", len(doc.Proxies))
	}
	// Order equals descriptor order.
	for i, want := range []string{"ss-1", "vmess-1", "vless-1", "trojan-1"} {
		if doc.Proxies[i]["name"] != want {
			t.Fatalf("proxies[%d]=%v, want %q", i, doc.Proxies[i]["name"], want)
		}
	}
	if doc.Proxies[2]["reality-opts"] == nil {
		t.Fatalf("vless reality-opts missing: %v", doc.Proxies[2])
	}
	if doc.Proxies[1]["network"] != "ws" {
		t.Fatalf("vmess network=%v, want ws", doc.Proxies[1]["network"])
	}
}

func TestClash_Deterministic(t *testing.T) {
	ds := sampleSet()
	ds[0].Credentials.PluginName = "simple-obfs"
	ds[0].Credentials.PluginOpts = []model.KV{{Key: "obfs", Value: "tls"}, {Key: "obfs-host", Value: "h"}}

	a, err := Clash{}.Export(ds)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	b, err := Clash{}.Export(ds)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("two exports differ")
	}
}

func TestSingbox_ExportValidates(t *testing.T) {
	out, err := Singbox{}.Export(sampleSet())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	var doc struct {
		Outbounds []map[string]any `json:"outbounds"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if doc.Outbounds[0]["type"] != "shadowsocks" {
		t.Fatalf("outbounds[0].type=%v", doc.Outbounds[0]["type"])
	}
	if doc.Outbounds[1]["transport"] == nil {
		t.Fatalf("vmess ws transport missing")
	}
}

func TestSingbox_SchemaViolationFatal(t *testing.T) {
	bad := ssNode("x", 0) // port outside the schema range
	_, err := Singbox{}.Export([]model.ServerDescriptor{bad})
	var ee *ExportError
	if !errors.As(err, &ee) {
		t.Fatalf("err=%v, want *ExportError", err)
	}
	if ee.Diagnostic.Code != model.CodeSchemaViolation {
		t.Fatalf("code=%q, want SCHEMA_VIOLATION", ee.Diagnostic.Code)
	}
}

func TestSurge_Export(t *testing.T) {
	ss := ssNode("node a", 8388)
	ss.Credentials.PluginName = "simple-obfs"
	ss.Credentials.PluginOpts = []model.KV{{Key: "obfs", Value: "http"}, {Key: "obfs-host", Value: "h.example.com"}}
	trojan := model.ServerDescriptor{
		Protocol:    model.ProtocolTrojan,
		Address:     "tr.example.com",
		Port:        443,
		Credentials: model.Credentials{Password: "tp"},
		TLS:         &model.TLSParams{SNI: "tr.example.com"},
		Tag:         "node b",
	}

	out, err := Surge{}.Export([]model.ServerDescriptor{ss, trojan})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if lines[0] != "[Proxy]" {
		t.Fatalf("header=%q", lines[0])
	}
	if lines[1] != "node a = ss, ss.example.com, 8388, encrypt-method=aes-128-gcm, password=pass, obfs=http, obfs-host=h.example.com" {
		t.Fatalf("ss line=%q", lines[1])
	}
	if lines[2] != "node b = trojan, tr.example.com, 443, password=tp, sni=tr.example.com" {
		t.Fatalf("trojan line=%q", lines[2])
	}
}

func TestSurge_UnsupportedProtocol(t *testing.T) {
	vmess := sampleSet()[1]
	_, err := Surge{}.Export([]model.ServerDescriptor{vmess})
	var ee *ExportError
	if !errors.As(err, &ee) {
		t.Fatalf("err=%v, want *ExportError", err)
	}
	if ee.Diagnostic.Code != model.CodeUnsupportedProto {
		t.Fatalf("code=%q", ee.Diagnostic.Code)
	}
}

func TestSurge_PostprocessSanitizesNames(t *testing.T) {
	d := ssNode("a=b,c", 8388)
	out, err := Surge{}.Postprocess([]model.ServerDescriptor{d})
	if err != nil {
		t.Fatalf("Postprocess: %v", err)
	}
	if out[0].Tag != "a-b-c" {
		t.Fatalf("tag=%q", out[0].Tag)
	}
}

func TestPostprocess_UniqueTags(t *testing.T) {
	in := []model.ServerDescriptor{
		ssNode("", 8388),
		ssNode("dup", 8389),
		ssNode("dup", 8390),
	}
	out, err := Clash{}.Postprocess(in)
	if err != nil {
		t.Fatalf("Postprocess: %v", err)
	}
	got := []string{out[0].Tag, out[1].Tag, out[2].Tag}
	want := []string{"ss.example.com:8388", "dup", "dup-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tags=%v, want %v", got, want)
		}
	}
	if in[1].Tag != "dup" || in[2].Tag != "dup" {
		t.Fatalf("input mutated")
	}
}

func TestRegistry(t *testing.T) {
	r := Default()
	for _, target := range []Target{TargetClash, TargetSingbox, TargetSurge} {
		e, err := r.Get(target)
		if err != nil || e.Target() != target {
			t.Fatalf("Get(%s): %v", target, err)
		}
	}
	if _, err := r.Get("quantumult"); err == nil {
		t.Fatalf("unknown target accepted")
	}
}

func TestParseTarget(t *testing.T) {
	cases := map[string]Target{
		"clash":    TargetClash,
		"Clash":    TargetClash,
		"sing-box": TargetSingbox,
		"singbox":  TargetSingbox,
		"surge":    TargetSurge,
	}
	for in, want := range cases {
		got, ok := ParseTarget(in)
		if !ok || got != want {
			t.Fatalf("ParseTarget(%q)=%q,%v", in, got, ok)
		}
	}
	if _, ok := ParseTarget("v2ray"); ok {
		t.Fatalf("unknown target accepted")
	}
}
