package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"

	"netlens/internal/handler"
	"netlens/internal/logger"
	"netlens/pkg/domain"
)

// ErrNotAttached 尚未连接到目标
var ErrNotAttached = errors.New("not attached")

// SignalSink 接收页面内上报的指纹 API 调用
type SignalSink interface {
	RecordAPI(domain, api string)
}

// Config 管理器配置
type Config struct {
	DevToolsURL string
	Handler     *handler.Handler
	Signals     SignalSink
	Workers     int
	QueueSize   int
	Logger      logger.Logger
}

// Manager 通过 DevTools 协议连接一个页面目标，拦截其网络请求
type Manager struct {
	devtoolsURL string
	handler     *handler.Handler
	signals     SignalSink
	pool        *workerPool
	log         logger.Logger

	mu      sync.Mutex
	target  domain.TargetInfo
	conn    *rpcc.Conn
	client  *cdp.Client
	ctx     context.Context
	cancel  context.CancelFunc
	enabled bool
	wg      sync.WaitGroup
}

// New 创建管理器
func New(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		devtoolsURL: cfg.DevToolsURL,
		handler:     cfg.Handler,
		signals:     cfg.Signals,
		pool:        newWorkerPool(cfg.Workers, cfg.QueueSize),
		log:         l.With("component", "cdp"),
	}
}

// SetHandler 设置事件处理器，需在 Enable 之前调用
func (m *Manager) SetHandler(h *handler.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// ListTargets 列出浏览器的页面目标
func ListTargets(ctx context.Context, devtoolsURL string) ([]domain.TargetInfo, error) {
	targets, err := devtool.New(devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]domain.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		out = append(out, domain.TargetInfo{
			ID:    domain.TargetID(t.ID),
			Type:  string(t.Type),
			URL:   t.URL,
			Title: t.Title,
		})
	}
	return out, nil
}

// Attach 连接指定目标，target 为空时选择第一个页面
func (m *Manager) Attach(ctx context.Context, target domain.TargetID) (domain.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return domain.TargetInfo{}, fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if target == "" || string(t.ID) == string(target) {
			sel = t
			break
		}
	}
	if sel == nil {
		return domain.TargetInfo{}, fmt.Errorf("target %q not found", target)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return domain.TargetInfo{}, fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}

	info := domain.TargetInfo{ID: domain.TargetID(sel.ID), Type: string(sel.Type), URL: sel.URL, Title: sel.Title, IsCurrent: true}
	m.mu.Lock()
	m.conn = conn
	m.client = cdp.NewClient(conn)
	m.ctx, m.cancel = connCtx, cancel
	m.target = info
	m.mu.Unlock()

	m.log.Info("已连接目标", "target", sel.ID, "url", sel.URL)
	return info, nil
}

// Target 当前目标
func (m *Manager) Target() domain.TargetInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Enable 启用请求与响应两个阶段的拦截
func (m *Manager) Enable() error {
	m.mu.Lock()
	client, ctx := m.client, m.ctx
	if client == nil {
		m.mu.Unlock()
		return ErrNotAttached
	}
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.enabled = true
	m.mu.Unlock()

	if err := client.Network.Enable(ctx, nil); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	if err := m.installSignalProbe(ctx, client); err != nil {
		m.log.Err(err, "注入指纹探针失败，仅依赖 URL 特征")
	}

	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &p, RequestStage: fetch.RequestStageResponse},
	}
	if err := client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return fmt.Errorf("enable fetch: %w", err)
	}

	// 先订阅再返回，保证不会漏掉事件
	paused, err := client.Fetch.RequestPaused(ctx)
	if err != nil {
		return fmt.Errorf("subscribe request paused: %w", err)
	}

	m.pool.start(ctx)
	m.wg.Add(1)
	go m.consume(ctx, paused)
	m.log.Info("网络拦截已启用")
	return nil
}

// installSignalProbe 注入页面脚本，把指纹相关 API 调用经 binding 上报
func (m *Manager) installSignalProbe(ctx context.Context, client *cdp.Client) error {
	if m.signals == nil {
		return nil
	}
	if err := client.Runtime.Enable(ctx); err != nil {
		return err
	}
	if err := client.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(signalBinding)); err != nil {
		return err
	}
	if _, err := client.Page.AddScriptToEvaluateOnNewDocument(ctx, page.NewAddScriptToEvaluateOnNewDocumentArgs(signalProbeScript)); err != nil {
		return err
	}
	calls, err := client.Runtime.BindingCalled(ctx)
	if err != nil {
		return err
	}
	m.wg.Add(1)
	go m.consumeSignals(calls)
	return nil
}

// Fetcher 返回放行操作的实现，供 handler 使用
func (m *Manager) Fetcher() handler.Fetcher { return fetcher{m: m} }

type fetcher struct{ m *Manager }

func (f fetcher) ContinueRequest(ctx context.Context, id fetch.RequestID) error {
	client := f.m.currentClient()
	if client == nil {
		return ErrNotAttached
	}
	return client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: id})
}

func (f fetcher) ContinueResponse(ctx context.Context, id fetch.RequestID) error {
	client := f.m.currentClient()
	if client == nil {
		return ErrNotAttached
	}
	return client.Fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: id})
}

func (m *Manager) currentClient() *cdp.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Context 连接的生命周期上下文
func (m *Manager) Context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// Detach 关闭拦截与连接。仍被持有的请求随连接关闭由浏览器恢复。
func (m *Manager) Detach() error {
	m.mu.Lock()
	client, ctx, cancel, conn := m.client, m.ctx, m.cancel, m.conn
	enabled := m.enabled
	m.client, m.conn, m.cancel = nil, nil, nil
	m.enabled = false
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	if enabled {
		if err := client.Fetch.Disable(ctx); err != nil {
			m.log.Err(err, "关闭拦截失败")
		}
	}
	cancel()
	err := conn.Close()
	m.wg.Wait()
	m.pool.stop()
	m.log.Info("已断开目标")
	return err
}
