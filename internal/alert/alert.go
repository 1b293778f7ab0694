package alert

import (
	"sync"
	"time"

	"netlens/internal/logger"
	"netlens/pkg/domain"
)

// Cue 声音提示，由宿主实现（可为空）
type Cue func(level domain.RiskLevel)

// Manager 阈值告警评估器，不保存历史
type Manager struct {
	mu         sync.RWMutex
	thresholds domain.AlertThresholds
	observers  []func(domain.Alert)
	cue        Cue
	log        logger.Logger
}

// New 创建告警管理器
func New(th domain.AlertThresholds, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{thresholds: th, log: l}
}

// SetThresholds 更新阈值
func (m *Manager) SetThresholds(th domain.AlertThresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = th
}

// Thresholds 当前阈值
func (m *Manager) Thresholds() domain.AlertThresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// SetCue 设置声音提示
func (m *Manager) SetCue(c Cue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cue = c
}

// Subscribe 注册告警观察者
func (m *Manager) Subscribe(fn func(domain.Alert)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Evaluate 每次评分变化调用一次；Critical 优先于 High，同一次评估只会触发其一
func (m *Manager) Evaluate(ex domain.CapturedExchange, isReplay bool) {
	m.mu.RLock()
	th := m.thresholds
	observers := m.observers
	cue := m.cue
	m.mu.RUnlock()

	var level domain.RiskLevel
	switch {
	case th.CriticalEnabled && ex.RiskScore >= th.Critical:
		level = domain.RiskCritical
	case th.HighEnabled && ex.RiskScore >= th.High:
		level = domain.RiskHigh
	default:
		return
	}

	a := domain.Alert{
		Level:     level,
		Score:     ex.RiskScore,
		IsReplay:  isReplay,
		Exchange:  ex,
		Timestamp: time.Now().UnixMilli(),
	}
	m.log.Debug("触发风险告警", "level", level, "score", ex.RiskScore, "url", ex.FullURL, "replay", isReplay)
	for _, fn := range observers {
		fn(a)
	}
	if level == domain.RiskCritical && th.SoundEnabled && cue != nil {
		cue(level)
	}
}
