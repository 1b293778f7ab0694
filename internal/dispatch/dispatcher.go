package dispatch

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"netlens/internal/config"
	"netlens/internal/logger"
	"netlens/pkg/domain"
)

// MetricsSource 提供历史长度与指标快照（通常是捕获存储）
type MetricsSource interface {
	Len() int
	SampleMetrics(now time.Time) domain.TrafficMetrics
}

// Observers 各类事件的回调，字段可为空
type Observers struct {
	Added   func([]domain.CapturedExchange)
	Updated func([]domain.CapturedExchange)
	Metrics func(domain.TrafficMetrics)
	Cleared func()
}

// item 入队条目，带上发布时存储的清空代数
type item struct {
	gen uint64
	ex  domain.CapturedExchange
}

// Dispatcher 按固定周期把新增/更新队列批量交给消费者。
// 回调在定时 goroutine 上同步执行，不应长时间阻塞。
// 旧代数的条目在分发前丢弃，新代数的条目留到对应的 Reset 之后再分发。
type Dispatcher struct {
	interval time.Duration
	added    *Queue[item]
	updated  *Queue[item]

	mu        sync.RWMutex
	source    MetricsSource
	observers map[int]Observers
	nextID    int

	drainMu      sync.Mutex // 保证消费侧单线程，并保护以下字段
	gen          uint64
	carryAdded   []item
	carryUpdated []item

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	log logger.Logger
}

// New 创建分发器，周期会被限制在 50–500ms
func New(interval time.Duration, source MetricsSource, l logger.Logger) *Dispatcher {
	if l == nil {
		l = logger.NewNop()
	}
	return &Dispatcher{
		interval: config.ClampInterval(interval),
		added:     NewQueue[item](),
		updated:   NewQueue[item](),
		source:    source,
		observers: make(map[int]Observers),
		log:       l,
	}
}

// Interval 分发周期
func (d *Dispatcher) Interval() time.Duration { return d.interval }

// SetSource 设置指标来源
func (d *Dispatcher) SetSource(s MetricsSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.source = s
}

// Subscribe 注册观察者，返回取消函数
func (d *Dispatcher) Subscribe(o Observers) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.observers[id] = o
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// snapshotObservers 按注册顺序复制观察者
func (d *Dispatcher) snapshotObservers() []Observers {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Observers, 0, len(d.observers))
	for _, id := range slices.Sorted(maps.Keys(d.observers)) {
		out = append(out, d.observers[id])
	}
	return out
}

// PublishAdded 新增条目入队，不阻塞。gen 为条目写入时存储的清空代数。
func (d *Dispatcher) PublishAdded(gen uint64, ex domain.CapturedExchange) {
	d.added.Push(item{gen: gen, ex: ex})
}

// PublishUpdated 更新条目入队，不阻塞
func (d *Dispatcher) PublishUpdated(gen uint64, ex domain.CapturedExchange) {
	d.updated.Push(item{gen: gen, ex: ex})
}

// Start 启动定时分发，重复调用无效
func (d *Dispatcher) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx, d.done)
	d.log.Debug("批量分发已启动", "intervalMS", d.interval.Milliseconds())
}

// Stop 停止定时器并把剩余条目同步分发出去
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.Flush()
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Flush()
		}
	}
}

// Flush 立即执行一次分发
func (d *Dispatcher) Flush() {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	added := d.admit(&d.carryAdded, d.added.Drain())
	updated := d.admit(&d.carryUpdated, d.updated.Drain())

	observers := d.snapshotObservers()
	d.mu.RLock()
	source := d.source
	d.mu.RUnlock()

	if len(added) > 0 {
		for _, o := range observers {
			if o.Added != nil {
				d.safeCall(func() { o.Added(added) })
			}
		}
	}
	if len(updated) > 0 {
		for _, o := range observers {
			if o.Updated != nil {
				d.safeCall(func() { o.Updated(updated) })
			}
		}
	}
	if source == nil || source.Len() == 0 {
		return
	}
	m := source.SampleMetrics(time.Now())
	for _, o := range observers {
		if o.Metrics != nil {
			d.safeCall(func() { o.Metrics(m) })
		}
	}
}

// admit 合并上次留下的条目与新取出的条目：丢弃旧代数，分发当前代数，保留新代数
func (d *Dispatcher) admit(carry *[]item, fresh []item) []domain.CapturedExchange {
	all := append(*carry, fresh...)
	*carry = nil
	var out []domain.CapturedExchange
	for _, it := range all {
		switch {
		case it.gen < d.gen:
			// 清空前写入的条目
		case it.gen == d.gen:
			out = append(out, it.ex)
		default:
			*carry = append(*carry, it)
		}
	}
	return out
}

// Reset 存储清空后调用，gen 为 Clear 返回的新代数。
// 丢弃旧代数的未分发条目并通知 Cleared；新代数的条目在下一次分发时送出。
func (d *Dispatcher) Reset(gen uint64) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()
	if gen > d.gen {
		d.gen = gen
	}
	d.carryAdded = d.keepCurrent(append(d.carryAdded, d.added.Drain()...))
	d.carryUpdated = d.keepCurrent(append(d.carryUpdated, d.updated.Drain()...))

	for _, o := range d.snapshotObservers() {
		if o.Cleared != nil {
			d.safeCall(o.Cleared)
		}
	}
}

func (d *Dispatcher) keepCurrent(items []item) []item {
	out := items[:0]
	for _, it := range items {
		if it.gen >= d.gen {
			out = append(out, it)
		}
	}
	return out
}

// Backlog 待分发条目数
func (d *Dispatcher) Backlog() (added, updated int) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()
	return d.added.Len() + len(d.carryAdded), d.updated.Len() + len(d.carryUpdated)
}

// safeCall 消费者回调的异常不能打断分发循环
func (d *Dispatcher) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("分发回调异常", "panic", r)
		}
	}()
	fn()
}
