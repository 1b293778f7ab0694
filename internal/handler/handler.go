package handler

import (
	"context"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	cdpadapter "netlens/internal/adapter/cdp"
	"netlens/internal/logger"
	"netlens/pkg/domain"
	"netlens/pkg/traffic"
)

// Fetcher 放行被 Fetch 域暂停的请求
type Fetcher interface {
	ContinueRequest(ctx context.Context, id fetch.RequestID) error
	ContinueResponse(ctx context.Context, id fetch.RequestID) error
}

// Recorder 接收请求/响应事实的捕获存储。
// 请求是否捕获由处理器在到达时判定一次，存储不再检查暂停状态。
type Recorder interface {
	RecordAdmittedRequest(session domain.SessionID, req *traffic.Request)
	RecordResponse(session domain.SessionID, resp *traffic.Response)
}

// PauseGate 暂停闸门
type PauseGate interface {
	IsPaused() bool
	SetPausedPendingCount(n int)
}

// Config 配置选项
type Config struct {
	Session          domain.SessionID
	Recorder         Recorder
	Gate             PauseGate
	Fetcher          Fetcher
	PageURL          func() string
	OnDocument       func(frameID, url string) // 文档请求放行前调用，用于跟踪顶层页面地址
	ProcessTimeoutMS int
	Logger           logger.Logger
	Now              func() time.Time
}

// Handler 把 Fetch 暂停事件交给捕获存储，并在暂停期间持有请求阶段的事件
type Handler struct {
	session  domain.SessionID
	recorder Recorder
	gate     PauseGate
	fetcher  Fetcher
	pageURL  func() string
	onDoc    func(frameID, url string)
	timeout  time.Duration
	log      logger.Logger
	now      func() time.Time

	mu   sync.Mutex
	held []*fetch.RequestPausedReply // 暂停期间持有的请求
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	to := cfg.ProcessTimeoutMS
	if to <= 0 {
		to = 3000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		session:  cfg.Session,
		recorder: cfg.Recorder,
		gate:     cfg.Gate,
		fetcher:  cfg.Fetcher,
		pageURL:  cfg.PageURL,
		onDoc:    cfg.OnDocument,
		timeout:  time.Duration(to) * time.Millisecond,
		log:      l,
		now:      now,
	}
}

// Handle 处理一次拦截事件
func (h *Handler) Handle(ctx context.Context, ev *fetch.RequestPausedReply) {
	if cdpadapter.IsResponseStage(ev) {
		h.handleResponse(ctx, ev)
		return
	}
	h.handleRequest(ctx, ev)
}

func (h *Handler) handleRequest(ctx context.Context, ev *fetch.RequestPausedReply) {
	h.mu.Lock()
	if h.gate != nil && h.gate.IsPaused() {
		h.held = append(h.held, ev)
		n := len(h.held)
		h.mu.Unlock()
		h.gate.SetPausedPendingCount(n)
		h.log.Debug("暂停中，持有请求", "url", ev.Request.URL, "held", n)
		return
	}
	h.mu.Unlock()
	h.release(ctx, ev)
}

// release 记录请求并放行，每个请求只会经过一次
func (h *Handler) release(ctx context.Context, ev *fetch.RequestPausedReply) {
	if h.onDoc != nil && ev.ResourceType == network.ResourceTypeDocument {
		h.onDoc(string(ev.FrameID), ev.Request.URL)
	}
	page := ""
	if h.pageURL != nil {
		page = h.pageURL()
	}
	h.recorder.RecordAdmittedRequest(h.session, cdpadapter.ToNeutralRequest(ev, page, h.now()))

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.fetcher.ContinueRequest(ctx, ev.RequestID); err != nil {
		h.log.Err(err, "放行请求失败", "url", ev.Request.URL, "requestID", ev.RequestID)
	}
}

func (h *Handler) handleResponse(ctx context.Context, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	// 网络错误没有响应可记录，交回浏览器处理
	if ev.ResponseErrorReason != nil {
		h.log.Debug("请求失败，无响应", "url", ev.Request.URL, "reason", *ev.ResponseErrorReason)
		if err := h.fetcher.ContinueRequest(ctx, ev.RequestID); err != nil {
			h.log.Err(err, "放行失败请求出错", "url", ev.Request.URL)
		}
		return
	}

	h.recorder.RecordResponse(h.session, cdpadapter.ToNeutralResponse(ev))
	if err := h.fetcher.ContinueResponse(ctx, ev.RequestID); err != nil {
		h.log.Err(err, "放行响应失败", "url", ev.Request.URL, "requestID", ev.RequestID)
	}
}

// ReleaseHeld 恢复捕获时调用：按到达顺序记录并放行全部持有的请求
func (h *Handler) ReleaseHeld(ctx context.Context) int {
	h.mu.Lock()
	items := h.held
	h.held = nil
	h.mu.Unlock()

	for _, ev := range items {
		h.release(ctx, ev)
	}
	if len(items) > 0 {
		h.log.Info("已放行暂停期间持有的请求", "count", len(items))
	}
	return len(items)
}

// HeldCount 当前持有的请求数
func (h *Handler) HeldCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}
