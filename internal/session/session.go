package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"netlens/internal/alert"
	"netlens/internal/capture"
	"netlens/internal/config"
	"netlens/internal/dispatch"
	"netlens/internal/export"
	"netlens/internal/gate"
	"netlens/internal/logger"
	"netlens/internal/metrics"
	"netlens/internal/replay"
	"netlens/internal/risk"
	"netlens/pkg/domain"
)

// Host 宿主侧的拦截能力（例如 CDP 连接），随会话一起关闭
type Host interface {
	ReleaseHeld(ctx context.Context) int
	Close() error
}

// Deps 会话依赖
type Deps struct {
	Config   *config.Config
	Client   *http.Client
	Patterns risk.PatternProvider
	Ledger   export.Ledger
	Metrics  *metrics.Collector
	Logger   logger.Logger
	Cue      alert.Cue
}

// Subscriber 会话事件订阅，字段可为空
type Subscriber struct {
	Added        func([]domain.CapturedExchange)
	Updated      func([]domain.CapturedExchange)
	Metrics      func(domain.TrafficMetrics)
	Cleared      func()
	Alert        func(domain.Alert)
	PauseState   func(domain.PauseState)
	PendingCount func(int)
	Export       func(domain.ExportEvent)
}

// Session 一个被监控标签页的全部引擎组件
type Session struct {
	ID         domain.SessionID
	Store      *capture.Store
	Gate       *gate.Gate
	Dispatcher *dispatch.Dispatcher
	Alerts     *alert.Manager
	Replay     *replay.Engine
	Exports    *export.Manager
	Signals    *risk.SignalContext

	pageURL atomic.Value
	log     logger.Logger

	mu     sync.RWMutex
	subs   map[int]Subscriber
	nextID int
	host   Host
	cancel context.CancelFunc
	closed bool
}

// New 按依赖顺序组装会话：分发器 → 存储 → 回填分发器的指标来源
func New(id domain.SessionID, deps Deps) *Session {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	l := deps.Logger
	if l == nil {
		l = logger.NewNop()
	}
	l = l.With("session", string(id))

	s := &Session{
		ID:      id,
		Signals: risk.NewSignalContext(),
		log:     l,
		subs:    make(map[int]Subscriber),
	}
	s.pageURL.Store("")

	s.Gate = gate.New(l)
	s.Alerts = alert.New(domain.AlertThresholds{
		High:            cfg.Alerts.High,
		Critical:        cfg.Alerts.Critical,
		HighEnabled:     cfg.Alerts.HighEnabled,
		CriticalEnabled: cfg.Alerts.CriticalEnabled,
		SoundEnabled:    cfg.Alerts.Sound,
	}, l)
	s.Alerts.SetCue(deps.Cue)
	s.Dispatcher = dispatch.New(cfg.Dispatch.Interval(), nil, l)
	s.Store = capture.New(capture.Config{
		SessionID:            id,
		MaxHistory:           cfg.Capture.MaxHistory,
		IncrementalThreshold: cfg.Capture.IncrementalThreshold,
		RateSamples:          cfg.Capture.RateSamples,
		Gate:                 s.Gate,
		Publisher:            s.Dispatcher,
		Evaluator:            s.Alerts,
		Signals:              s.Signals,
		Patterns:             deps.Patterns,
		Metrics:              deps.Metrics,
		Logger:               l,
	})
	s.Dispatcher.SetSource(s.Store)

	client := deps.Client
	if client == nil {
		client = replay.NewClient(cfg.Replay)
	}
	s.Replay = replay.New(replay.Config{
		Session:       id,
		Recorder:      s.Store,
		Client:        client,
		RatePerSecond: cfg.Replay.RatePerSecond,
		PageURL:       s.PageURL,
		Metrics:       deps.Metrics,
		Logger:        l,
	})
	s.Exports = export.NewManager(export.Config{
		Dir:                cfg.Export.Dir,
		StreamingThreshold: cfg.Export.StreamingThreshold,
		ProgressEvery:      cfg.Export.ProgressEvery,
		Ledger:             deps.Ledger,
		Notify:             s.emitExport,
		Metrics:            deps.Metrics,
		Logger:             l,
	})

	s.Alerts.Subscribe(func(a domain.Alert) {
		deps.Metrics.Alert(string(a.Level))
		s.each(func(sub Subscriber) {
			if sub.Alert != nil {
				sub.Alert(a)
			}
		})
	})
	s.Gate.OnStateChange(func(st domain.PauseState) {
		s.each(func(sub Subscriber) {
			if sub.PauseState != nil {
				sub.PauseState(st)
			}
		})
	})
	s.Gate.OnPendingCount(func(n int) {
		s.each(func(sub Subscriber) {
			if sub.PendingCount != nil {
				sub.PendingCount(n)
			}
		})
	})
	s.Gate.OnResumed(s.releaseHeld)
	return s
}

// Start 启动批量分发
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.Dispatcher.Start(ctx)
}

// AttachHost 绑定宿主拦截能力
func (s *Session) AttachHost(h Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = h
}

func (s *Session) releaseHeld() {
	s.mu.RLock()
	h := s.host
	s.mu.RUnlock()
	if h != nil {
		h.ReleaseHeld(context.Background())
	}
}

// PageURL 当前顶层页面地址
func (s *Session) PageURL() string {
	return s.pageURL.Load().(string)
}

// SetPageURL 更新顶层页面地址
func (s *Session) SetPageURL(u string) {
	s.pageURL.Store(u)
}

// Subscribe 注册订阅，返回取消函数
func (s *Session) Subscribe(sub Subscriber) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	unsubscribe := s.Dispatcher.Subscribe(dispatch.Observers{
		Added:   sub.Added,
		Updated: sub.Updated,
		Metrics: sub.Metrics,
		Cleared: sub.Cleared,
	})
	return func() {
		unsubscribe()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Clear 清空历史、运行时信号，并按新代数丢弃清空前未分发的条目
func (s *Session) Clear() {
	gen := s.Store.Clear()
	s.Signals.Clear()
	s.Dispatcher.Reset(gen)
}

// Close 释放会话，重复调用无副作用
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	h, cancel := s.host, s.cancel
	s.host = nil
	s.mu.Unlock()

	var err error
	if h != nil {
		err = h.Close()
	}
	s.Exports.Close()
	s.Store.Close()
	s.Dispatcher.Stop()
	if cancel != nil {
		cancel()
	}
	s.log.Info("会话已关闭")
	return err
}

func (s *Session) emitExport(ev domain.ExportEvent) {
	s.each(func(sub Subscriber) {
		if sub.Export != nil {
			sub.Export(ev)
		}
	})
}

// each 在锁外依次调用订阅者，单个订阅者异常不影响其他订阅者
func (s *Session) each(fn func(Subscriber)) {
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("订阅回调异常", "panic", r)
				}
			}()
			fn(sub)
		}()
	}
}
