package pipeline_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/subpipe/internal/cache"
	"github.com/John-Robertt/subpipe/internal/export"
	"github.com/John-Robertt/subpipe/internal/fetch"
	"github.com/John-Robertt/subpipe/internal/middleware"
	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/pipeline"
	"github.com/John-Robertt/subpipe/internal/selector"
)

// ssLink builds one ss:// URI with the given endpoint and name.
func ssLink(host string, port int, name string) string {
	userinfo := base64.StdEncoding.EncodeToString([]byte("aes-128-gcm:pass"))
	return fmt.Sprintf("ss://%s@%s:%d#%s", userinfo, host, port, name)
}

func writeSource(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sub.txt")
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newOrchestrator(c cache.Cache) *pipeline.Orchestrator {
	f := fetch.New(c, fetch.Options{Timeout: 2 * time.Second, MaxAttempts: 1}, nil)
	return pipeline.New(f, nil, nil, nil)
}

func clashNames(t *testing.T, doc []byte) []string {
	t.Helper()
	var parsed struct {
		Proxies []struct {
			Name string `yaml:"name"`
		} `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		t.Fatalf("document not YAML: %v", err)
	}
	out := make([]string, len(parsed.Proxies))
	for i, p := range parsed.Proxies {
		out[i] = p.Name
	}
	return out
}

func TestRun_SingleValidSource(t *testing.T) {
	lines := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		lines = append(lines, ssLink(fmt.Sprintf("s%d.example.com", i), 8388, fmt.Sprintf("node-%d", i)))
	}
	src := writeSource(t, lines...)

	o := newOrchestrator(cache.NewMemory())
	out, err := o.Run(context.Background(), pipeline.Config{
		Sources: []pipeline.Source{{URL: src}},
		Target:  export.TargetClash,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Status != model.StatusSuccess {
		t.Fatalf("status=%s diags=%v", out.Result.Status, out.Result.Diagnostics)
	}
	if len(out.Result.Descriptors) != 5 {
		t.Fatalf("descriptors=%d, want 5", len(out.Result.Descriptors))
	}
	want := []string{"node-1", "node-2", "node-3", "node-4", "node-5"}
	got := clashNames(t, out.Document)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names=%v, want %v", got, want)
		}
	}
}

func TestRun_DedupAcrossSources(t *testing.T) {
	// The duplicate endpoint appears in both sources; the copy from source 0
	// must win and the run degrades to partial success.
	src0 := writeSource(t,
		ssLink("dup.example.com", 8388, "first"),
		ssLink("a.example.com", 8388, "a"),
	)
	src1 := writeSource(t,
		ssLink("dup.example.com", 8388, "second"),
	)

	o := newOrchestrator(cache.NewMemory())
	out, err := o.Run(context.Background(), pipeline.Config{
		Sources: []pipeline.Source{{URL: src0}, {URL: src1}},
		Stages:  []middleware.Stage{{Kind: middleware.KindDedup}},
		Target:  export.TargetClash,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Status != model.StatusPartialSuccess {
		t.Fatalf("status=%s", out.Result.Status)
	}
	if len(out.Result.Descriptors) != 2 {
		t.Fatalf("descriptors=%d, want 2", len(out.Result.Descriptors))
	}
	if out.Result.Descriptors[0].Tag != "first" {
		t.Fatalf("kept=%q, want the source-0 copy", out.Result.Descriptors[0].Tag)
	}
	found := false
	for _, d := range out.Result.Diagnostics {
		if d.Code == model.CodeDedupDropped && d.Severity == model.SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("no dedup warning in %v", out.Result.Diagnostics)
	}
}

func TestRun_CacheFallback(t *testing.T) {
	payload := ssLink("cached.example.com", 8388, "cached-node")
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			fmt.Fprintln(w, payload)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := cache.NewMemory()
	o := newOrchestrator(c)
	cfg := pipeline.Config{
		Sources: []pipeline.Source{{URL: srv.URL}},
		Target:  export.TargetClash,
	}

	// First run populates the cache.
	out, err := o.Run(context.Background(), cfg)
	if err != nil || out.Result.Status != model.StatusSuccess {
		t.Fatalf("first run: err=%v status=%s", err, out.Result.Status)
	}

	// Second run hits a broken upstream and falls back.
	out, err = o.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(out.Result.Descriptors) != 1 || out.Result.Descriptors[0].Tag != "cached-node" {
		t.Fatalf("fallback descriptors=%v", out.Result.Descriptors)
	}
	found := false
	for _, d := range out.Result.Diagnostics {
		if d.Code == model.CodeCacheFallback && d.Severity == model.SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("no cache fallback warning in %v", out.Result.Diagnostics)
	}
	if out.Result.Status != model.StatusSuccess {
		t.Fatalf("status=%s, warnings alone must not degrade the run", out.Result.Status)
	}
}

func TestRun_SelectorExcludesProtocol(t *testing.T) {
	src := writeSource(t,
		ssLink("a.example.com", 8388, "ss-a"),
		ssLink("b.example.com", 8388, "ss-b"),
		"trojan://secret@t.example.com:443#troj",
	)

	o := newOrchestrator(cache.NewMemory())
	out, err := o.Run(context.Background(), pipeline.Config{
		Sources: []pipeline.Source{{URL: src}},
		Rules:   []selector.Rule{{Action: selector.ActionExclude, Protocol: "trojan"}},
		Target:  export.TargetClash,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Result.Descriptors) != 2 {
		t.Fatalf("descriptors=%d, want 2", len(out.Result.Descriptors))
	}
	for _, d := range out.Result.Descriptors {
		if d.Protocol != model.ProtocolShadowsocks {
			t.Fatalf("protocol %s survived the exclude", d.Protocol)
		}
	}
	if out.Result.Status != model.StatusSuccess {
		t.Fatalf("status=%s, selector drops are intentional", out.Result.Status)
	}
}

func TestRun_AllSourcesFail(t *testing.T) {
	o := newOrchestrator(cache.NewMemory())
	out, err := o.Run(context.Background(), pipeline.Config{
		Sources: []pipeline.Source{
			{URL: filepath.Join(t.TempDir(), "missing-a.txt")},
			{URL: filepath.Join(t.TempDir(), "missing-b.txt")},
		},
		Target: export.TargetClash,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Status != model.StatusFailure {
		t.Fatalf("status=%s, want failure", out.Result.Status)
	}
	if out.Document != nil {
		t.Fatalf("document written despite failure")
	}
	if len(out.Result.Diagnostics) != 2 {
		t.Fatalf("diagnostics=%v, want one per source", out.Result.Diagnostics)
	}
}

func TestRun_OneSourceFailsOthersSurvive(t *testing.T) {
	good := writeSource(t, ssLink("a.example.com", 8388, "a"))
	bad := filepath.Join(t.TempDir(), "missing.txt")

	o := newOrchestrator(cache.NewMemory())
	out, err := o.Run(context.Background(), pipeline.Config{
		Sources: []pipeline.Source{{URL: bad}, {URL: good}},
		Target:  export.TargetClash,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Status != model.StatusPartialSuccess {
		t.Fatalf("status=%s, want partial_success", out.Result.Status)
	}
	if len(out.Result.Descriptors) != 1 {
		t.Fatalf("descriptors=%d, want 1", len(out.Result.Descriptors))
	}
}

func TestRun_Deterministic(t *testing.T) {
	// Two slow-ish sources behind real HTTP; completion order must not leak
	// into the document.
	mk := func(delay time.Duration, lines ...string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(delay)
			for _, l := range lines {
				fmt.Fprintln(w, l)
			}
		}))
	}
	srvA := mk(50*time.Millisecond, ssLink("a.example.com", 8388, "a"))
	defer srvA.Close()
	srvB := mk(0, ssLink("b.example.com", 8388, "b"))
	defer srvB.Close()

	cfg := pipeline.Config{
		Sources:     []pipeline.Source{{URL: srvA.URL}, {URL: srvB.URL}},
		Stages:      []middleware.Stage{{Kind: middleware.KindDedup}},
		Target:      export.TargetSingbox,
		Concurrency: 2,
	}

	var first []byte
	for i := 0; i < 3; i++ {
		o := newOrchestrator(cache.NewMemory())
		out, err := o.Run(context.Background(), cfg)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if i == 0 {
			first = out.Document
			continue
		}
		if !bytes.Equal(first, out.Document) {
			t.Fatalf("run %d produced a different document", i)
		}
	}
	if names := clashNamesFromSingbox(t, first); names[0] != "a" || names[1] != "b" {
		t.Fatalf("merge order=%v, want declared source order", names)
	}
}

func clashNamesFromSingbox(t *testing.T, doc []byte) []string {
	t.Helper()
	var parsed struct {
		Outbounds []struct {
			Tag string `json:"tag"`
		} `json:"outbounds"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		t.Fatalf("document not JSON: %v", err)
	}
	out := make([]string, len(parsed.Outbounds))
	for i, o := range parsed.Outbounds {
		out[i] = o.Tag
	}
	return out
}

func TestRun_MiddlewareIdempotent(t *testing.T) {
	src := writeSource(t,
		ssLink("a.example.com", 8388, "a"),
		ssLink("a.example.com", 8388, "a"),
		ssLink("b.example.com", 8388, "b"),
	)
	cfg := pipeline.Config{
		Sources: []pipeline.Source{{URL: src}},
		Stages:  []middleware.Stage{{Kind: middleware.KindDedup}, {Kind: middleware.KindLimit, Max: 10}},
		Target:  export.TargetClash,
	}

	o := newOrchestrator(cache.NewMemory())
	out, err := o.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	chain, err := middleware.Compile(cfg.Stages)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	again, diags := chain.Apply(out.Result.Descriptors)
	if len(diags) != 0 {
		t.Fatalf("re-applying the chain emitted %v", diags)
	}
	if len(again) != len(out.Result.Descriptors) {
		t.Fatalf("re-apply changed the set: %d != %d", len(again), len(out.Result.Descriptors))
	}
}

func TestRun_Cancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	o := newOrchestrator(cache.NewMemory())
	out, err := o.Run(ctx, pipeline.Config{
		Sources: []pipeline.Source{{URL: srv.URL}},
		Target:  export.TargetClash,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Status != model.StatusFailure {
		t.Fatalf("status=%s", out.Result.Status)
	}
	found := false
	for _, d := range out.Result.Diagnostics {
		if d.Code == model.CodeSourceCancelled {
			found = true
		}
	}
	if !found {
		t.Fatalf("no cancellation diagnostic in %v", out.Result.Diagnostics)
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	o := newOrchestrator(cache.NewMemory())
	src := pipeline.Source{URL: writeSource(t, ssLink("a.example.com", 8388, "a"))}

	cases := []pipeline.Config{
		{Target: export.TargetClash},                                                                       // no sources
		{Sources: []pipeline.Source{src}, Target: "quantumult"},                                            // unknown target
		{Sources: []pipeline.Source{src}, Target: export.TargetClash, Stages: []middleware.Stage{{Kind: "x"}}}, // bad stage
		{Sources: []pipeline.Source{src}, Target: export.TargetClash, Rules: []selector.Rule{{Action: "x"}}},   // bad rule
	}
	for i, cfg := range cases {
		if _, err := o.Run(context.Background(), cfg); err == nil {
			t.Fatalf("case %d: config error not reported", i)
		}
	}
}

func TestRun_MalformedPayloadNeverFatal(t *testing.T) {
	src := writeSource(t, "%%% not a subscription %%%")
	o := newOrchestrator(cache.NewMemory())
	out, err := o.Run(context.Background(), pipeline.Config{
		Sources: []pipeline.Source{{URL: src}},
		Target:  export.TargetClash,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Status != model.StatusFailure {
		t.Fatalf("status=%s", out.Result.Status)
	}
}
