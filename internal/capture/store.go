package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netlens/internal/config"
	"netlens/internal/logger"
	"netlens/internal/metrics"
	"netlens/internal/risk"
	"netlens/pkg/domain"
	"netlens/pkg/traffic"
)

// Publisher 接收新增/更新条目（批量分发器），必须不阻塞。
// gen 为条目写入时的清空代数，用来识别 Clear 之前写入的条目。
type Publisher interface {
	PublishAdded(gen uint64, ex domain.CapturedExchange)
	PublishUpdated(gen uint64, ex domain.CapturedExchange)
}

// Evaluator 每次评分变化后调用（告警管理器）
type Evaluator interface {
	Evaluate(ex domain.CapturedExchange, isReplay bool)
}

// PauseState 暂停状态来源
type PauseState interface {
	IsPaused() bool
}

// Config 存储配置
type Config struct {
	SessionID            domain.SessionID
	MaxHistory           int
	IncrementalThreshold int
	RateSamples          int

	Gate      PauseState
	Publisher Publisher
	Evaluator Evaluator
	Signals   *risk.SignalContext
	Patterns  risk.PatternProvider
	Metrics   *metrics.Collector
	Logger    logger.Logger

	Now func() time.Time
}

// entry 历史中的条目及其评分事实
type entry struct {
	ex    *domain.CapturedExchange
	facts risk.Facts
}

// Store 捕获存储：请求/响应关联、有界历史与增量指标的唯一数据源。
// 所有可变状态由 mu 保护；锁内不做 I/O 也不调用回调。
type Store struct {
	session   domain.SessionID
	gate      PauseState
	publisher Publisher
	evaluator Evaluator
	signals   *risk.SignalContext
	patterns  risk.PatternProvider
	collector *metrics.Collector
	log       logger.Logger
	now       func() time.Time

	incrementalThreshold int
	rate                 *rateTracker
	disposed             atomic.Bool

	mu          sync.Mutex
	maxHistory  int
	history     []*entry
	pending     map[string]*pendingQueue
	replayIndex map[string]*entry
	counters    counters
	nextID      int64
	generation  uint64
}

// New 创建捕获存储
func New(cfg Config) *Store {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	threshold := cfg.IncrementalThreshold
	if threshold <= 0 {
		threshold = 500
	}
	return &Store{
		session:              cfg.SessionID,
		gate:                 cfg.Gate,
		publisher:            cfg.Publisher,
		evaluator:            cfg.Evaluator,
		signals:              cfg.Signals,
		patterns:             cfg.Patterns,
		collector:            cfg.Metrics,
		log:                  l.With("session", string(cfg.SessionID)),
		now:                  now,
		incrementalThreshold: threshold,
		rate:                 newRateTracker(cfg.RateSamples),
		maxHistory:           config.ClampHistory(cfg.MaxHistory),
		pending:              make(map[string]*pendingQueue),
		replayIndex:          make(map[string]*entry),
	}
}

// SessionID 存储所属会话
func (s *Store) SessionID() domain.SessionID { return s.session }

// accepting 判断是否接收来自该会话的事件
func (s *Store) accepting(session domain.SessionID) bool {
	if s.disposed.Load() || session != s.session {
		return false
	}
	return s.gate == nil || !s.gate.IsPaused()
}

// RecordRequest 记录一次实时请求。未挂接该会话、暂停中或已释放时忽略。
func (s *Store) RecordRequest(session domain.SessionID, req *traffic.Request) {
	if req == nil || !s.accepting(session) {
		return
	}
	defer s.recoverPanic("RecordRequest")
	s.insert(s.buildEntry(req, ""), false)
}

// RecordAdmittedRequest 记录宿主已判定为捕获状态并放行的请求，不再检查暂停闸门。
// 宿主每个请求只做一次暂停判断，之后的暂停不能让已放行的请求漏记。
func (s *Store) RecordAdmittedRequest(session domain.SessionID, req *traffic.Request) {
	if req == nil || s.disposed.Load() || session != s.session {
		return
	}
	defer s.recoverPanic("RecordAdmittedRequest")
	s.insert(s.buildEntry(req, ""), false)
}

// RecordReplayRequest 记录一次重放请求，只进入重放索引，不进入 URL 队列。
// 重放由用户主动发起，暂停状态不影响它。
func (s *Store) RecordReplayRequest(session domain.SessionID, req *traffic.Request, correlationID string, isModified bool) {
	if req == nil || correlationID == "" || s.disposed.Load() || session != s.session {
		return
	}
	defer s.recoverPanic("RecordReplayRequest")
	e := s.buildEntry(req, correlationID)
	e.ex.IsReplay = true
	e.ex.IsModifiedReplay = isModified
	s.insert(e, true)
}

// buildEntry 在锁外构造条目并完成仅基于请求的评分
func (s *Store) buildEntry(req *traffic.Request, correlationID string) *entry {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	if len(req.Query) == 0 {
		req.ParseQuery()
	}
	facts := risk.FactsFromRequest(req)
	host, path := risk.SplitURL(req.URL)
	res := risk.Compute(facts, nil, s.signals.For(host), s.patterns)

	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}
	ex := &domain.CapturedExchange{
		CorrelationID:   correlationID,
		SessionID:       s.session,
		Timestamp:       ts,
		Method:          req.Method,
		FullURL:         req.URL,
		Domain:          host,
		Path:            path,
		ResourceType:    req.ResourceType,
		IsThirdParty:    facts.IsThirdParty,
		IsTracker:       res.IsTracker,
		TrackerLabel:    req.TrackerLabel,
		RiskScore:       res.Score,
		RiskLevel:       res.Level,
		Category:        res.Category,
		RiskExplanation: res.Explanation,
		RequestHeaders:  headers,
		RequestBody:     string(req.Body),
	}
	return &entry{ex: ex, facts: facts}
}

func (s *Store) insert(e *entry, replay bool) {
	snap, gen, size, evicted, ok := s.insertLocked(e, replay)
	if !ok {
		return
	}
	s.rate.observe(s.now())
	s.collector.RequestCaptured(snap.IsThirdParty, replay, snap.RiskScore)
	s.collector.Evicted(evicted)
	s.collector.HistorySize(string(s.session), size)
	if evicted > 0 {
		s.log.Debug("历史超出容量，淘汰最早条目", "evicted", evicted, "size", size)
	}
	s.publishAdded(gen, snap)
	s.evaluate(snap)
}

func (s *Store) insertLocked(e *entry, replay bool) (domain.CapturedExchange, uint64, int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed.Load() {
		return domain.CapturedExchange{}, 0, 0, 0, false
	}
	s.nextID++
	e.ex.ID = s.nextID
	s.history = append(s.history, e)
	if replay {
		s.replayIndex[e.ex.CorrelationID] = e
	} else {
		q, ok := s.pending[e.ex.FullURL]
		if !ok {
			q = &pendingQueue{}
			s.pending[e.ex.FullURL] = q
		}
		q.push(e)
	}
	s.counters.add(e.ex)
	evicted := s.evictLocked()
	return *e.ex, s.generation, len(s.history), evicted, true
}

// evictLocked 按 FIFO 淘汰超出容量的条目，并在同一临界区内回退其计数
func (s *Store) evictLocked() int {
	n := 0
	for len(s.history) > s.maxHistory {
		old := s.history[0]
		s.history[0] = nil
		s.history = s.history[1:]
		old.ex.Evicted = true
		s.counters.remove(old.ex)
		if !old.ex.IsReplay {
			if q, ok := s.pending[old.ex.FullURL]; ok {
				q.trimFront()
				if q.empty() {
					delete(s.pending, old.ex.FullURL)
				}
			}
		}
		n++
	}
	return n
}

// RecordResponse 记录一次响应。带关联 ID 时走重放索引，否则按 URL 队列 FIFO 匹配。
// 找不到对应请求时丢弃（与淘汰竞争时属于正常情况）。
func (s *Store) RecordResponse(session domain.SessionID, resp *traffic.Response) {
	if resp == nil || s.disposed.Load() || session != s.session {
		return
	}
	defer s.recoverPanic("RecordResponse")

	e, gen := s.takeCandidate(resp)
	if e == nil {
		s.collector.ResponseDropped()
		s.log.Debug("响应无匹配请求，丢弃", "url", resp.URL, "correlationID", resp.CorrelationID)
		return
	}

	// 评分在锁外完成
	res := risk.Compute(e.facts, resp.Headers, s.signals.For(e.facts.Domain), s.patterns)
	at := s.now()

	snap, ok := s.applyResponse(e, gen, resp, res, at)
	if !ok {
		s.collector.ResponseDropped()
		s.log.Debug("匹配的请求已被淘汰或清空，丢弃响应", "url", resp.URL)
		return
	}
	s.collector.ResponseMatched(snap.IsReplay, snap.RiskScore)
	s.publishUpdated(gen, snap)
	s.evaluate(snap)
}

// RecordResponseByCorrelation 按关联 ID 记录响应
func (s *Store) RecordResponseByCorrelation(session domain.SessionID, correlationID string, resp *traffic.Response) {
	if resp == nil || correlationID == "" {
		return
	}
	resp.CorrelationID = correlationID
	s.RecordResponse(session, resp)
}

func (s *Store) takeCandidate(resp *traffic.Response) (*entry, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.CorrelationID != "" {
		e, ok := s.replayIndex[resp.CorrelationID]
		if !ok {
			return nil, 0
		}
		delete(s.replayIndex, resp.CorrelationID)
		if e.ex.Evicted {
			return nil, 0
		}
		return e, s.generation
	}
	q, ok := s.pending[resp.URL]
	if !ok {
		return nil, 0
	}
	e := q.popLive()
	if q.empty() {
		delete(s.pending, resp.URL)
	}
	if e == nil {
		return nil, 0
	}
	return e, s.generation
}

func (s *Store) applyResponse(e *entry, gen uint64, resp *traffic.Response, res risk.Result, at time.Time) (domain.CapturedExchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ex.Evicted || gen != s.generation {
		return domain.CapturedExchange{}, false
	}
	ex := e.ex
	oldScore := ex.RiskScore
	size := resp.Size
	if size < 0 {
		size = 0
	}

	ex.StatusCode = resp.StatusCode
	ex.ContentType = resp.ContentType
	if ex.ContentType == "" {
		ex.ContentType = resp.Headers.Get("content-type")
	}
	ex.ResponseSize = size
	ex.DurationMS = at.Sub(ex.Timestamp).Milliseconds()
	if ex.DurationMS < 0 {
		ex.DurationMS = 0
	}
	ex.ResponseHeaders = map[string]string(resp.Headers.Clone())
	ex.RiskScore = res.Score
	ex.RiskLevel = res.Level
	ex.Category = res.Category
	ex.RiskExplanation = res.Explanation

	s.counters.rescore(oldScore, res.Score, size)
	return *ex, true
}

// SetReplayFailed 标记重放失败，此后该关联 ID 不再接收响应
func (s *Store) SetReplayFailed(correlationID, message string) {
	if correlationID == "" || s.disposed.Load() {
		return
	}
	if message == "" {
		message = "replay failed"
	}
	snap, gen, ok := s.markFailed(correlationID, message)
	if !ok {
		return
	}
	s.log.Info("重放失败", "correlationID", correlationID, "url", snap.FullURL, "reason", message)
	s.publishUpdated(gen, snap)
}

func (s *Store) markFailed(correlationID, message string) (domain.CapturedExchange, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.replayIndex[correlationID]
	if !ok {
		return domain.CapturedExchange{}, 0, false
	}
	delete(s.replayIndex, correlationID)
	if e.ex.Evicted {
		return domain.CapturedExchange{}, 0, false
	}
	e.ex.ReplayFailureMessage = message
	return *e.ex, s.generation, true
}

// Clear 原子地清空历史、队列与计数，返回新的清空代数。
// 调用方把该代数交给分发器，清空前写入而尚未分发的条目据此丢弃。
func (s *Store) Clear() uint64 {
	s.mu.Lock()
	for _, e := range s.history {
		e.ex.Evicted = true
	}
	s.history = nil
	s.pending = make(map[string]*pendingQueue)
	s.replayIndex = make(map[string]*entry)
	s.counters = counters{}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.rate.reset()
	s.collector.HistorySize(string(s.session), 0)
	s.log.Info("捕获历史已清空", "generation", gen)
	return gen
}

// Snapshot 返回历史副本，按捕获顺序
func (s *Store) Snapshot() []domain.CapturedExchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CapturedExchange, len(s.history))
	for i, e := range s.history {
		out[i] = *e.ex
	}
	return out
}

// Find 按 ID 查找仍在历史中的条目
func (s *Store) Find(id int64) (domain.CapturedExchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.history {
		if e.ex.ID == id {
			return *e.ex, true
		}
	}
	return domain.CapturedExchange{}, false
}

// Get 按关联 ID 查找仍在历史中的条目
func (s *Store) Get(correlationID string) (domain.CapturedExchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.replayIndex[correlationID]; ok && !e.ex.Evicted {
		return *e.ex, true
	}
	for _, e := range s.history {
		if e.ex.CorrelationID == correlationID {
			return *e.ex, true
		}
	}
	return domain.CapturedExchange{}, false
}

// Len 当前历史长度
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// PendingCount 等待响应的实时请求数（不含已淘汰条目）
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.pending {
		for _, e := range q.items[q.head:] {
			if !e.ex.Evicted {
				n++
			}
		}
	}
	return n
}

// MaxHistory 历史容量
func (s *Store) MaxHistory() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxHistory
}

// SetMaxHistory 调整历史容量，缩小时立即淘汰
func (s *Store) SetMaxHistory(n int) {
	s.mu.Lock()
	s.maxHistory = config.ClampHistory(n)
	evicted := s.evictLocked()
	size := len(s.history)
	s.mu.Unlock()
	s.collector.Evicted(evicted)
	s.collector.HistorySize(string(s.session), size)
}

// Metrics 当前指标快照，不计入滑动平均采样
func (s *Store) Metrics() domain.TrafficMetrics {
	return s.metricsAt(s.now(), false)
}

// SampleMetrics 供分发器每个周期调用，同时记录一次速率采样
func (s *Store) SampleMetrics(now time.Time) domain.TrafficMetrics {
	return s.metricsAt(now, true)
}

// metricsAt 历史较小时全量扫描，超过阈值后使用增量计数，两条路径结果一致
func (s *Store) metricsAt(now time.Time, sample bool) domain.TrafficMetrics {
	s.mu.Lock()
	var m domain.TrafficMetrics
	if len(s.history) >= s.incrementalThreshold {
		m = s.counters.metrics()
	} else {
		m = scanMetrics(s.history)
	}
	s.mu.Unlock()

	m.RequestsPerSecond, m.MovingAverageRPS = s.rate.rates(now, sample)
	return m
}

// Close 释放存储，之后的所有调用均为空操作
func (s *Store) Close() {
	if s.disposed.Swap(true) {
		return
	}
	s.mu.Lock()
	s.pending = make(map[string]*pendingQueue)
	s.replayIndex = make(map[string]*entry)
	s.mu.Unlock()
	s.log.Info("捕获存储已释放")
}

// Disposed 是否已释放
func (s *Store) Disposed() bool { return s.disposed.Load() }

func (s *Store) publishAdded(gen uint64, ex domain.CapturedExchange) {
	if s.publisher != nil {
		s.publisher.PublishAdded(gen, ex)
	}
}

func (s *Store) publishUpdated(gen uint64, ex domain.CapturedExchange) {
	if s.publisher != nil {
		s.publisher.PublishUpdated(gen, ex)
	}
}

func (s *Store) evaluate(ex domain.CapturedExchange) {
	if s.evaluator != nil {
		s.evaluator.Evaluate(ex, ex.IsReplay)
	}
}

// recoverPanic 捕获路径不能影响宿主
func (s *Store) recoverPanic(op string) {
	if r := recover(); r != nil {
		s.log.Error("捕获路径异常", "op", op, "panic", r)
	}
}
