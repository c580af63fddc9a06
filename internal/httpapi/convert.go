package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/John-Robertt/subpipe/internal/export"
	"github.com/John-Robertt/subpipe/internal/middleware"
	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/pipeline"
	"github.com/John-Robertt/subpipe/internal/selector"
)

// handleSub is the subscription-client surface: everything is in the query
// string and the body is the converted document itself.
//
//	GET /sub?target=clash&url=<sub>&url=<sub>&format=base64&max=50
func (s *server) handleSub(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	target, ok := export.ParseTarget(q.Get("target"))
	if !ok {
		writeError(w, http.StatusBadRequest, requestDiag(
			fmt.Sprintf("未知的 target：%q", q.Get("target")), "target=clash|singbox|surge"))
		return
	}
	urls := q["url"]
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, requestDiag("缺少 url 参数", "url=<subscription url>"))
		return
	}
	if len(urls) > s.opt.MaxSources {
		writeError(w, http.StatusBadRequest, requestDiag(
			fmt.Sprintf("url 数量超过上限 %d", s.opt.MaxSources), ""))
		return
	}

	cfg := pipeline.Config{Target: target}
	for _, u := range urls {
		cfg.Sources = append(cfg.Sources, pipeline.Source{URL: u, Format: q.Get("format")})
	}
	// Subscription clients expect a merged, duplicate-free list.
	cfg.Stages = []middleware.Stage{{Kind: middleware.KindDedup}}
	if maxStr := q.Get("max"); maxStr != "" {
		n, err := strconv.Atoi(maxStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, requestDiag(
				fmt.Sprintf("max 必须为正整数，得到 %q", maxStr), ""))
			return
		}
		cfg.Stages = append(cfg.Stages, middleware.Stage{Kind: middleware.KindLimit, Max: n})
	}

	out, runErr := s.run(r.Context(), cfg)
	if runErr != nil {
		writeRunError(w, runErr)
		return
	}
	if out.Result.Status == model.StatusFailure {
		writeError(w, http.StatusUnprocessableEntity, failureDiag(out.Result))
		return
	}

	w.Header().Set("Content-Type", documentContentType(target))
	w.Header().Set("X-Subpipe-Status", string(out.Result.Status))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Document)
}

type convertRequest struct {
	Sources    []pipeline.Source  `json:"sources"`
	Target     string             `json:"target"`
	Middleware []middleware.Stage `json:"middleware,omitempty"`
	Rules      []selector.Rule    `json:"rules,omitempty"`
	ErrorRatio float64            `json:"error_ratio,omitempty"`
}

type convertResponse struct {
	Status      model.Status       `json:"status"`
	Diagnostics []model.Diagnostic `json:"diagnostics,omitempty"`
	Document    string             `json:"document,omitempty"`
}

// handleConvert accepts the full run configuration as JSON and returns the
// terminal result, diagnostics included, as JSON.
func (s *server) handleConvert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, requestDiag("读取请求体失败", ""))
		return
	}
	var req convertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, requestDiag("请求体不是合法的 JSON", err.Error()))
		return
	}
	target, ok := export.ParseTarget(req.Target)
	if !ok {
		writeError(w, http.StatusBadRequest, requestDiag(
			fmt.Sprintf("未知的 target：%q", req.Target), "target=clash|singbox|surge"))
		return
	}
	if len(req.Sources) == 0 {
		writeError(w, http.StatusBadRequest, requestDiag("缺少 sources", ""))
		return
	}
	if len(req.Sources) > s.opt.MaxSources {
		writeError(w, http.StatusBadRequest, requestDiag(
			fmt.Sprintf("sources 数量超过上限 %d", s.opt.MaxSources), ""))
		return
	}

	out, runErr := s.run(r.Context(), pipeline.Config{
		Sources:    req.Sources,
		Stages:     req.Middleware,
		Rules:      req.Rules,
		Target:     target,
		ErrorRatio: req.ErrorRatio,
	})
	if runErr != nil {
		writeRunError(w, runErr)
		return
	}

	for _, d := range out.Result.Diagnostics {
		if d.Severity == model.SeverityError {
			metricsIncAppError(d.Stage, d.Code)
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(convertResponse{
		Status:      out.Result.Status,
		Diagnostics: out.Result.Diagnostics,
		Document:    string(out.Document),
	})
}

func (s *server) run(ctx context.Context, cfg pipeline.Config) (pipeline.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opt.ConvertTimeout)
	defer cancel()
	return s.orch.Run(ctx, cfg)
}

// writeRunError maps orchestrator errors onto HTTP statuses: configuration
// mistakes are the caller's fault (400), an unexportable result is a content
// problem (422).
func writeRunError(w http.ResponseWriter, err error) {
	var mce *middleware.ConfigError
	var sce *selector.ConfigError
	if errors.As(err, &mce) || errors.As(err, &sce) {
		writeError(w, http.StatusBadRequest, requestDiag(err.Error(), ""))
		return
	}
	var ee *export.ExportError
	if errors.As(err, &ee) {
		status := http.StatusUnprocessableEntity
		if ee.Diagnostic.Code == "UNSUPPORTED_TARGET" {
			status = http.StatusBadRequest
		}
		writeError(w, status, ee.Diagnostic)
		return
	}
	writeError(w, http.StatusInternalServerError, model.Diagnostic{
		Stage:    "internal",
		Severity: model.SeverityError,
		Code:     "INTERNAL_ERROR",
		Message:  "服务端内部错误",
		Hint:     err.Error(),
	})
}

func requestDiag(message, hint string) model.Diagnostic {
	return model.Diagnostic{
		Stage:    "validate_request",
		Severity: model.SeverityError,
		Code:     "INVALID_ARGUMENT",
		Message:  message,
		Hint:     hint,
	}
}

// failureDiag condenses a failed run into one error payload: the first error
// diagnostic carries the most specific cause.
func failureDiag(res model.PipelineResult) model.Diagnostic {
	for _, d := range res.Diagnostics {
		if d.Severity == model.SeverityError {
			return d
		}
	}
	return model.Diagnostic{
		Stage:    model.StageExport,
		Severity: model.SeverityError,
		Code:     "EMPTY_RESULT",
		Message:  "没有任何节点通过流水线",
	}
}

func documentContentType(t export.Target) string {
	switch t {
	case export.TargetSingbox:
		return "application/json; charset=utf-8"
	case export.TargetClash:
		return "text/yaml; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}
