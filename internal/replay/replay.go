package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"netlens/internal/logger"
	"netlens/internal/metrics"
	"netlens/pkg/domain"
	"netlens/pkg/traffic"
)

// ErrInvalidReplayTarget 重放地址不是绝对的 HTTP(S) URL
var ErrInvalidReplayTarget = errors.New("invalid replay target")

// Recorder 重放结果写回的捕获存储
type Recorder interface {
	RecordReplayRequest(session domain.SessionID, req *traffic.Request, correlationID string, isModified bool)
	RecordResponseByCorrelation(session domain.SessionID, correlationID string, resp *traffic.Response)
	SetReplayFailed(correlationID, message string)
}

// Options 重放时的修改项
type Options struct {
	Headers   map[string]string // 覆盖的请求头
	Body      *string           // 替换请求体，nil 表示沿用捕获的请求体
	JSONPatch map[string]any    // 以 sjson 路径修改 JSON 请求体
}

// Config 重放引擎配置
type Config struct {
	Session       domain.SessionID
	Recorder      Recorder
	Client        *http.Client
	RatePerSecond float64 // 批量重放节流，0 表示不限速
	PageURL       func() string
	Metrics       *metrics.Collector
	Logger        logger.Logger
}

// Engine 重放引擎，与捕获路径相互独立
type Engine struct {
	session   domain.SessionID
	recorder  Recorder
	client    *http.Client
	ratePerS  float64
	pageURL   func() string
	collector *metrics.Collector
	log       logger.Logger
}

// New 创建重放引擎
func New(cfg Config) *Engine {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Engine{
		session:   cfg.Session,
		recorder:  cfg.Recorder,
		client:    client,
		ratePerS:  cfg.RatePerSecond,
		pageURL:   cfg.PageURL,
		collector: cfg.Metrics,
		log:       l.With("component", "replay"),
	}
}

// CarriesBody 方法是否按惯例携带请求体
func CarriesBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// ValidateTarget 校验重放地址
func ValidateTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReplayTarget, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidReplayTarget, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidReplayTarget, u.Scheme)
	}
	return u, nil
}

// Replay 重新发出一次捕获的请求，结果以重放条目写回存储。
// 任何失败都记录到该条目上，不会向外抛出。
func (e *Engine) Replay(ctx context.Context, ex domain.CapturedExchange, opts *Options) bool {
	correlationID := uuid.NewString()
	method := strings.ToUpper(ex.Method)
	if method == "" {
		method = http.MethodGet
	}

	var overrides map[string]string
	if opts != nil {
		overrides = opts.Headers
	}
	headers := MergeHeaders(ex.RequestHeaders, overrides)

	body, bodyModified, err := effectiveBody(method, ex.RequestBody, opts)
	modified := appliedOverrides(overrides) > 0 || bodyModified

	req := traffic.NewRequest()
	req.URL = ex.FullURL
	req.Method = method
	req.Headers = headers
	req.Body = body
	req.ResourceType = ex.ResourceType
	req.TrackerLabel = ex.TrackerLabel
	if e.pageURL != nil {
		req.PageURL = e.pageURL()
	}
	e.recorder.RecordReplayRequest(e.session, req, correlationID, modified)

	log := e.log.With("correlationID", correlationID, "url", ex.FullURL)
	if err != nil {
		return e.fail(log, correlationID, "rejected", err)
	}
	target, err := ValidateTarget(ex.FullURL)
	if err != nil {
		return e.fail(log, correlationID, "rejected", err)
	}

	resp, err := e.send(ctx, method, target, headers, body)
	if err != nil {
		return e.fail(log, correlationID, "failed", err)
	}
	e.recorder.RecordResponseByCorrelation(e.session, correlationID, resp)
	e.collector.Replay("ok")
	log.Debug("重放完成", "status", resp.StatusCode, "modified", modified)
	return true
}

// appliedOverrides 实际生效的覆盖头部数，保留头部会被剔除不计
func appliedOverrides(overrides map[string]string) int {
	n := 0
	for k := range overrides {
		if !IsReserved(k) {
			n++
		}
	}
	return n
}

func (e *Engine) fail(log logger.Logger, correlationID, result string, err error) bool {
	e.recorder.SetReplayFailed(correlationID, err.Error())
	e.collector.Replay(result)
	log.Err(err, "重放失败")
	return false
}

func (e *Engine) send(ctx context.Context, method string, target *url.URL, headers traffic.Header, body []byte) (*traffic.Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	apply(httpReq, headers)

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	n, err := io.Copy(io.Discard, httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp := traffic.NewResponse()
	resp.URL = target.String()
	resp.StatusCode = httpResp.StatusCode
	resp.Headers = fromHTTP(httpResp.Header)
	resp.ContentType = httpResp.Header.Get("Content-Type")
	resp.Size = n
	return resp, nil
}

// effectiveBody 计算实际发送的请求体。不携带请求体的方法一律不发送。
func effectiveBody(method, captured string, opts *Options) ([]byte, bool, error) {
	if !CarriesBody(method) {
		return nil, false, nil
	}
	body := captured
	modified := false
	if opts != nil && opts.Body != nil {
		body = *opts.Body
		modified = true
	}
	if opts != nil && len(opts.JSONPatch) > 0 {
		if body == "" {
			body = "{}"
		}
		paths := make([]string, 0, len(opts.JSONPatch))
		for p := range opts.JSONPatch {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			patched, err := sjson.Set(body, p, opts.JSONPatch[p])
			if err != nil {
				return []byte(body), true, fmt.Errorf("apply json patch %q: %w", p, err)
			}
			body = patched
		}
		modified = true
	}
	if body == "" {
		return nil, modified, nil
	}
	return []byte(body), modified, nil
}

// ReplayMany 按顺序逐个重放，每完成一个报告一次进度，返回成功个数。
// ctx 取消后不再开始新的重放。
func (e *Engine) ReplayMany(ctx context.Context, exchanges []domain.CapturedExchange, opts *Options, progress func(current, total int)) int {
	total := len(exchanges)
	var limiter *rate.Limiter
	if e.ratePerS > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.ratePerS), 1)
	}

	ok := 0
	for i, ex := range exchanges {
		if ctx.Err() != nil {
			e.log.Info("批量重放已取消", "done", i, "total", total)
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				e.log.Info("批量重放已取消", "done", i, "total", total)
				break
			}
		}
		if e.Replay(ctx, ex, opts) {
			ok++
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	e.log.Info("批量重放结束", "succeeded", ok, "total", total)
	return ok
}
