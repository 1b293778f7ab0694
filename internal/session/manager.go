package session

import (
	"context"
	"sync"

	"netlens/internal/logger"
	"netlens/pkg/domain"
)

// Manager 全局会话管理器
type Manager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	deps     Deps
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(deps Deps) *Manager {
	l := deps.Logger
	if l == nil {
		l = logger.NewNop()
	}
	deps.Logger = l
	return &Manager{
		sessions: make(map[domain.SessionID]*Session),
		deps:     deps,
		log:      l,
	}
}

// Create 创建、启动并注册新会话；同 ID 的旧会话会先被关闭
func (m *Manager) Create(ctx context.Context, id domain.SessionID) *Session {
	s := New(id, m.deps)
	s.Start(ctx)

	m.mu.Lock()
	old := m.sessions[id]
	m.sessions[id] = s
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.log.Info("创建业务会话", "sessionID", string(id))
	return s
}

// Get 获取会话
func (m *Manager) Get(id domain.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 关闭并销毁会话
func (m *Manager) Delete(id domain.SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.log.Info("销毁业务会话", "sessionID", string(id))
	return s.Close()
}

// List 返回所有活动会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

// CloseAll 关闭全部会话
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[domain.SessionID]*Session)
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}
