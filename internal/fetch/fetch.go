// Package fetch retrieves raw subscription bytes for a source (http/https
// URL or local path) with a hard size cap, bounded retry and conditional
// revalidation against the fetch cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/subpipe/internal/cache"
	"github.com/John-Robertt/subpipe/internal/model"
)

type Kind int

const (
	KindUnreachable Kind = iota
	KindTimeout
	KindHTTPStatus
	KindTooLarge
	KindNotFound
	KindInvalidSource
)

type Error struct {
	Kind       Kind
	StatusCode int // set for KindHTTPStatus
	Diagnostic model.Diagnostic
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Diagnostic.Code, e.Diagnostic.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Diagnostic.Code, e.Diagnostic.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

type Options struct {
	Timeout      time.Duration // per attempt, default 15s
	MaxBytes     int64         // default 5 MiB
	MaxRedirects int           // default 5
	MaxAttempts  uint          // default 3
	UserAgent    string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 5 * 1024 * 1024
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 5
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.UserAgent == "" {
		o.UserAgent = "subpipe/1.0"
	}
	return o
}

type Result struct {
	Body []byte
	// FromCache is true when the body came out of the cache, either via a
	// 304 revalidation or a caller-requested fallback.
	FromCache bool
}

var (
	errTooManyRedirects  = errors.New("too many redirects")
	errRedirectBadScheme = errors.New("redirect target scheme is not http/https")
)

type Fetcher struct {
	opt    Options
	cache  cache.Cache
	client *http.Client
	group  singleflight.Group
	logger *zap.Logger
}

// New builds a Fetcher. cache may not be nil; pass cache.NewMemory() when no
// persistence is wanted. logger may be nil.
func New(c cache.Cache, opt Options, logger *zap.Logger) *Fetcher {
	opt = opt.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		opt:   opt,
		cache: c,
		client: &http.Client{
			Timeout:   opt.Timeout,
			Transport: http.DefaultTransport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > opt.MaxRedirects {
					return errTooManyRedirects
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return errRedirectBadScheme
				}
				return nil
			},
		},
		logger: logger,
	}
}

// Fetch retrieves the raw bytes for source. Concurrent calls for the same
// source share one upstream round-trip and one cache write.
func (f *Fetcher) Fetch(ctx context.Context, source string) (Result, error) {
	if isRemote(source) {
		v, err, _ := f.group.Do(source, func() (any, error) {
			return f.fetchRemote(ctx, source)
		})
		if err != nil {
			return Result{}, err
		}
		res := v.(Result)
		// Copy: singleflight hands the same value to every waiter.
		res.Body = append([]byte(nil), res.Body...)
		return res, nil
	}
	return f.fetchLocal(source)
}

// Cached returns the previously stored payload for source, if any. The
// orchestrator uses it as the fallback when a refetch fails.
func (f *Fetcher) Cached(source string) ([]byte, bool) {
	e, ok, err := f.cache.Get(source)
	if err != nil || !ok {
		return nil, false
	}
	return e.Body, true
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func (f *Fetcher) fetchLocal(path string) (Result, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{}, f.newError(KindNotFound, 0, model.CodeFetchNotFound, "本地订阅文件不存在", path, err)
	}
	if err != nil {
		return Result{}, f.newError(KindUnreachable, 0, model.CodeFetchFailed, "读取本地订阅文件失败", path, err)
	}
	if info.Size() > f.opt.MaxBytes {
		return Result{}, f.newError(KindTooLarge, 0, model.CodeFetchTooLarge,
			fmt.Sprintf("本地订阅文件过大（>%d bytes）", f.opt.MaxBytes), path, nil)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Result{}, f.newError(KindUnreachable, 0, model.CodeFetchFailed, "读取本地订阅文件失败", path, err)
	}
	return Result{Body: body}, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Result{}, f.newError(KindInvalidSource, 0, model.CodeFetchFailed, "仅允许 http/https URL 或本地路径", rawURL, err)
	}

	prev, hasPrev, _ := f.cache.Get(rawURL)

	attempt := func() (Result, error) {
		res, err := f.fetchOnce(ctx, rawURL, prev, hasPrev)
		if err != nil {
			var fe *Error
			if errors.As(err, &fe) && !retryable(fe) {
				return Result{}, backoff.Permanent(err)
			}
			return Result{}, err
		}
		return res, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(f.opt.MaxAttempts),
	)
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return Result{}, fe
		}
		if isTimeout(err) {
			return Result{}, f.newError(KindTimeout, 0, model.CodeFetchTimeout, "拉取远程资源超时", rawURL, err)
		}
		return Result{}, f.newError(KindUnreachable, 0, model.CodeFetchFailed, "拉取远程资源失败", rawURL, err)
	}

	if !res.FromCache {
		f.logger.Debug("fetched subscription", zap.String("url", rawURL), zap.Int("bytes", len(res.Body)))
	}
	return res, nil
}

// retryable reports whether another attempt can change the outcome.
func retryable(e *Error) bool {
	switch e.Kind {
	case KindTimeout, KindUnreachable:
		return true
	case KindHTTPStatus:
		return e.StatusCode >= 500
	default:
		return false
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string, prev cache.Entry, hasPrev bool) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, f.newError(KindInvalidSource, 0, model.CodeFetchFailed, "请求 URL 不合法", rawURL, err)
	}
	req.Header.Set("User-Agent", f.opt.UserAgent)
	if hasPrev && prev.Validator != "" {
		if strings.HasPrefix(prev.Validator, `"`) || strings.HasPrefix(prev.Validator, `W/`) {
			req.Header.Set("If-None-Match", prev.Validator)
		} else {
			req.Header.Set("If-Modified-Since", prev.Validator)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		switch {
		case errors.Is(err, errTooManyRedirects):
			return Result{}, f.newError(KindInvalidSource, 0, model.CodeFetchFailed,
				fmt.Sprintf("重定向次数超过上限（>%d）", f.opt.MaxRedirects), rawURL, err)
		case errors.Is(err, errRedirectBadScheme):
			return Result{}, f.newError(KindInvalidSource, 0, model.CodeFetchFailed, "重定向目标仅允许 http/https", rawURL, err)
		case isTimeout(err):
			return Result{}, f.newError(KindTimeout, 0, model.CodeFetchTimeout, "拉取远程资源超时", rawURL, err)
		default:
			return Result{}, f.newError(KindUnreachable, 0, model.CodeFetchFailed, "拉取远程资源失败", rawURL, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hasPrev {
		// Refresh the timestamp so cache-age policies see the revalidation.
		_ = f.cache.Put(rawURL, cache.Entry{Validator: prev.Validator, Body: prev.Body, FetchedAt: time.Now()})
		return Result{Body: prev.Body, FromCache: true}, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return Result{}, f.newError(KindNotFound, resp.StatusCode, model.CodeFetchNotFound, "上游返回 404", rawURL, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, f.newError(KindHTTPStatus, resp.StatusCode, model.CodeFetchFailed,
			fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode), rawURL, nil)
	}

	// Read at most MaxBytes+1 to detect overflow before buffering the rest.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opt.MaxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return Result{}, f.newError(KindTimeout, 0, model.CodeFetchTimeout, "拉取远程资源超时", rawURL, err)
		}
		return Result{}, f.newError(KindUnreachable, 0, model.CodeFetchFailed, "读取上游响应失败", rawURL, err)
	}
	if int64(len(body)) > f.opt.MaxBytes {
		return Result{}, f.newError(KindTooLarge, 0, model.CodeFetchTooLarge,
			fmt.Sprintf("远程资源过大（>%d bytes）", f.opt.MaxBytes), rawURL, nil)
	}

	validator := resp.Header.Get("ETag")
	if validator == "" {
		validator = resp.Header.Get("Last-Modified")
	}
	if err := f.cache.Put(rawURL, cache.Entry{Validator: validator, Body: body, FetchedAt: time.Now()}); err != nil {
		f.logger.Warn("cache write failed", zap.String("url", rawURL), zap.Error(err))
	}

	return Result{Body: body}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (f *Fetcher) newError(kind Kind, status int, code, message, source string, cause error) *Error {
	return &Error{
		Kind:       kind,
		StatusCode: status,
		Diagnostic: model.Diagnostic{
			Stage:    model.StageFetch,
			Severity: model.SeverityError,
			Code:     code,
			Message:  message,
			Source:   source,
		},
		Cause: cause,
	}
}
