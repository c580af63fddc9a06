// Package pipeline orchestrates the whole run: sources are fetched, parsed
// and normalized in parallel, merged in declared order at a barrier, then fed
// through middleware, selector, postprocess and export as one global
// sequence.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/subpipe/internal/detect"
	"github.com/John-Robertt/subpipe/internal/export"
	"github.com/John-Robertt/subpipe/internal/fetch"
	"github.com/John-Robertt/subpipe/internal/middleware"
	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/normalize"
	"github.com/John-Robertt/subpipe/internal/selector"
	"github.com/John-Robertt/subpipe/internal/sub"
	"github.com/John-Robertt/subpipe/internal/sub/b64list"
	"github.com/John-Robertt/subpipe/internal/sub/clashsub"
	"github.com/John-Robertt/subpipe/internal/sub/sip008"
	"github.com/John-Robertt/subpipe/internal/sub/urilist"
)

// Source is one subscription input: an http(s) URL or a local path, plus an
// optional declared format. The hint is tried first, never trusted alone.
type Source struct {
	URL    string `yaml:"url" json:"url"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Config is one run's complete description. Zero values get defaults; the
// compile step rejects anything inconsistent before any fetch starts.
type Config struct {
	Sources     []Source
	Stages      []middleware.Stage
	Rules       []selector.Rule
	Target      export.Target
	Concurrency int     // max parallel sources, default 4
	ErrorRatio  float64 // normalize escalation threshold, default 1.0
}

// Output pairs the terminal result with the exported document. Document is
// nil when nothing could be exported.
type Output struct {
	Result   model.PipelineResult
	Document []byte
}

type Orchestrator struct {
	fetcher   *fetch.Fetcher
	parsers   *sub.Registry
	exporters *export.Registry
	logger    *zap.Logger
}

// DefaultParsers returns a registry with every built-in subscription format.
func DefaultParsers() *sub.Registry {
	return sub.NewRegistry(urilist.New(), b64list.New(), clashsub.New(), sip008.New())
}

// New builds an Orchestrator. parsers and exporters may be nil, which selects
// the built-in sets; logger may be nil.
func New(fetcher *fetch.Fetcher, parsers *sub.Registry, exporters *export.Registry, logger *zap.Logger) *Orchestrator {
	if parsers == nil {
		parsers = DefaultParsers()
	}
	if exporters == nil {
		exporters = export.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{fetcher: fetcher, parsers: parsers, exporters: exporters, logger: logger}
}

type sourceResult struct {
	descriptors []model.ServerDescriptor
	diagnostics []model.Diagnostic
}

// Run executes the pipeline. Configuration mistakes (bad rules, bad target)
// return an error with no Output; per-source input problems become
// diagnostics inside the Output instead. An export failure returns both: the
// error and the Output carrying what was known when export broke.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (Output, error) {
	if len(cfg.Sources) == 0 {
		return Output{}, fmt.Errorf("至少需要一个订阅来源")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	chain, err := middleware.Compile(cfg.Stages)
	if err != nil {
		return Output{}, err
	}
	sel, err := selector.Compile(cfg.Rules)
	if err != nil {
		return Output{}, err
	}
	exporter, err := o.exporters.Get(cfg.Target)
	if err != nil {
		return Output{}, err
	}

	// Per-source span: fetch → detect → parse → normalize. Results land in a
	// slice indexed by declared order, so completion timing never changes the
	// merge order.
	results := make([]sourceResult, len(cfg.Sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, src := range cfg.Sources {
		g.Go(func() error {
			results[i] = o.processSource(gctx, i, src, cfg.ErrorRatio)
			return nil
		})
	}
	_ = g.Wait() // workers report through results, never through an error

	// Merge barrier.
	var descriptors []model.ServerDescriptor
	var diags []model.Diagnostic
	for _, r := range results {
		descriptors = append(descriptors, r.descriptors...)
		diags = append(diags, r.diagnostics...)
	}
	model.SortStable(descriptors)

	descriptors, d := chain.Apply(descriptors)
	diags = append(diags, d...)

	descriptors, d = sel.Apply(descriptors)
	diags = append(diags, d...)

	if len(descriptors) == 0 {
		o.logger.Warn("pipeline produced no descriptors", zap.Int("sources", len(cfg.Sources)))
		return Output{Result: model.PipelineResult{
			Diagnostics: diags,
			Status:      model.StatusFailure,
		}}, nil
	}

	descriptors, err = exporter.Postprocess(descriptors)
	if err == nil {
		var doc []byte
		doc, err = exporter.Export(descriptors)
		if err == nil {
			return Output{
				Result: model.PipelineResult{
					Descriptors: descriptors,
					Diagnostics: diags,
					Status:      model.DeriveStatus(descriptors, diags),
				},
				Document: doc,
			}, nil
		}
	}

	// Postprocess/export failures are fatal: an unexportable result is never
	// silently written.
	var ee *export.ExportError
	if errors.As(err, &ee) {
		diags = append(diags, ee.Diagnostic)
	} else {
		diags = append(diags, model.Diagnostic{
			Stage:    model.StageExport,
			Severity: model.SeverityError,
			Code:     model.CodeSchemaViolation,
			Message:  err.Error(),
		})
	}
	return Output{Result: model.PipelineResult{
		Descriptors: descriptors,
		Diagnostics: diags,
		Status:      model.StatusFailure,
	}}, err
}

func (o *Orchestrator) processSource(ctx context.Context, idx int, src Source, errorRatio float64) sourceResult {
	if ctx.Err() != nil {
		return sourceResult{diagnostics: []model.Diagnostic{cancelled(src.URL)}}
	}

	var diags []model.Diagnostic
	res, err := o.fetcher.Fetch(ctx, src.URL)
	body := res.Body
	if err != nil {
		if ctx.Err() != nil {
			return sourceResult{diagnostics: []model.Diagnostic{cancelled(src.URL)}}
		}
		cachedBody, ok := o.fetcher.Cached(src.URL)
		if !ok {
			return sourceResult{diagnostics: []model.Diagnostic{fetchDiagnostic(src.URL, err)}}
		}
		// Stale copy beats no copy; the warning keeps the substitution
		// visible.
		o.logger.Warn("fetch failed, using cached payload", zap.String("source", src.URL), zap.Error(err))
		body = cachedBody
		diags = append(diags, model.Diagnostic{
			Stage:    model.StageFetch,
			Severity: model.SeverityWarning,
			Code:     model.CodeCacheFallback,
			Message:  fmt.Sprintf("拉取失败，已回退到缓存副本：%v", err),
			Source:   src.URL,
		})
	}

	body = detect.StripBOM(body)
	hint, _ := detect.ParseFormat(src.Format)
	candidates := detect.Detect(body, hint)

	entries, format, err := o.parsers.Parse(src.URL, body, candidates)
	if err != nil {
		var pe *sub.ParseError
		if errors.As(err, &pe) {
			return sourceResult{diagnostics: append(diags, pe.Diagnostic)}
		}
		return sourceResult{diagnostics: append(diags, model.Diagnostic{
			Stage:    model.StageParse,
			Severity: model.SeverityError,
			Code:     model.CodeParseError,
			Message:  err.Error(),
			Source:   src.URL,
		})}
	}
	o.logger.Debug("parsed subscription",
		zap.String("source", src.URL),
		zap.String("format", string(format)),
		zap.Int("entries", len(entries)))

	descriptors, nd := normalize.Run(entries, src.URL, idx, normalize.Options{ErrorRatio: errorRatio})
	return sourceResult{descriptors: descriptors, diagnostics: append(diags, nd...)}
}

func cancelled(source string) model.Diagnostic {
	return model.Diagnostic{
		Stage:    model.StageFetch,
		Severity: model.SeverityError,
		Code:     model.CodeSourceCancelled,
		Message:  "来源处理已被取消",
		Source:   source,
	}
}

func fetchDiagnostic(source string, err error) model.Diagnostic {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		return fe.Diagnostic
	}
	return model.Diagnostic{
		Stage:    model.StageFetch,
		Severity: model.SeverityError,
		Code:     model.CodeFetchFailed,
		Message:  err.Error(),
		Source:   source,
	}
}
