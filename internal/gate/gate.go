package gate

import (
	"sync"

	"netlens/internal/logger"
	"netlens/pkg/domain"
)

// Suspender 宿主可选的挂起/恢复能力，返回是否生效
type Suspender interface {
	TrySuspend() bool
	TryResume() bool
}

// Gate 暂停闸门：Capturing / Paused 两态。闸门本身不缓存被挂起的请求，
// 挂起期间请求由宿主持有。
type Gate struct {
	mu        sync.Mutex
	state     domain.PauseState
	pending   int
	suspender Suspender

	onState   []func(domain.PauseState)
	onResumed []func()
	onPending []func(int)

	log logger.Logger
}

// New 创建闸门，初始为 Capturing
func New(l logger.Logger) *Gate {
	if l == nil {
		l = logger.NewNop()
	}
	return &Gate{state: domain.StateCapturing, log: l}
}

// SetSuspender 设置宿主挂起能力
func (g *Gate) SetSuspender(s Suspender) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspender = s
}

// OnStateChange 注册状态变化观察者
func (g *Gate) OnStateChange(fn func(domain.PauseState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onState = append(g.onState, fn)
}

// OnResumed 注册恢复通知，宿主需在此时放行全部挂起请求
func (g *Gate) OnResumed(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onResumed = append(g.onResumed, fn)
}

// OnPendingCount 注册挂起数量变化观察者
func (g *Gate) OnPendingCount(fn func(int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPending = append(g.onPending, fn)
}

// State 当前状态
func (g *Gate) State() domain.PauseState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsPaused 是否处于暂停
func (g *Gate) IsPaused() bool {
	return g.State() == domain.StatePaused
}

// PendingCount 宿主上报的挂起请求数
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Pause 进入暂停，重复调用无副作用
func (g *Gate) Pause() {
	g.mu.Lock()
	if g.state == domain.StatePaused {
		g.mu.Unlock()
		return
	}
	g.state = domain.StatePaused
	s := g.suspender
	observers := append([]func(domain.PauseState){}, g.onState...)
	g.mu.Unlock()

	if s != nil && !s.TrySuspend() {
		g.log.Debug("宿主不支持挂起，仅依赖请求拦截")
	}
	g.log.Info("捕获已暂停")
	for _, fn := range observers {
		fn(domain.StatePaused)
	}
}

// Resume 恢复捕获并发出 Resumed 通知，重复调用无副作用
func (g *Gate) Resume() {
	g.mu.Lock()
	if g.state == domain.StateCapturing {
		g.mu.Unlock()
		return
	}
	g.state = domain.StateCapturing
	hadPending := g.pending != 0
	g.pending = 0
	s := g.suspender
	stateObs := append([]func(domain.PauseState){}, g.onState...)
	resumedObs := append([]func(){}, g.onResumed...)
	pendingObs := append([]func(int){}, g.onPending...)
	g.mu.Unlock()

	if s != nil {
		s.TryResume()
	}
	g.log.Info("捕获已恢复")
	for _, fn := range stateObs {
		fn(domain.StateCapturing)
	}
	for _, fn := range resumedObs {
		fn()
	}
	if hadPending {
		for _, fn := range pendingObs {
			fn(0)
		}
	}
}

// SetPausedPendingCount 宿主上报当前挂起数量，只更新计数并通知，不放行任何请求
func (g *Gate) SetPausedPendingCount(n int) {
	if n < 0 {
		n = 0
	}
	g.mu.Lock()
	if g.pending == n {
		g.mu.Unlock()
		return
	}
	g.pending = n
	observers := append([]func(int){}, g.onPending...)
	g.mu.Unlock()

	for _, fn := range observers {
		fn(n)
	}
}
