package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"netlens/internal/cdp"
	"netlens/internal/export"
	"netlens/internal/handler"
	"netlens/internal/logger"
	"netlens/internal/replay"
	"netlens/internal/session"
	"netlens/pkg/domain"
)

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrExchangeNotFound 条目不在历史中（可能已被淘汰）
	ErrExchangeNotFound = errors.New("exchange not found")
)

// ExportOptions 会话导出选项
type ExportOptions struct {
	Mode        export.Mode
	Gzip        bool
	Path        string
	FullSession bool
}

// Service 面向消费者的命令与订阅
type Service struct {
	sessions *session.Manager
	log      logger.Logger
}

// New 创建服务
func New(deps session.Deps) *Service {
	l := deps.Logger
	if l == nil {
		l = logger.NewNop()
	}
	deps.Logger = l
	return &Service{
		sessions: session.NewManager(deps),
		log:      l,
	}
}

// StartSession 创建会话；配置了 DevTools 地址时连接目标并启用拦截
func (s *Service) StartSession(ctx context.Context, cfg domain.SessionConfig) (domain.SessionID, error) {
	id := domain.SessionID(uuid.NewString())
	sess := s.sessions.Create(context.WithoutCancel(ctx), id)
	sess.SetPageURL(cfg.PageURL)

	if cfg.DevToolsURL == "" {
		return id, nil
	}
	if err := s.attach(ctx, sess, cfg); err != nil {
		_ = s.sessions.Delete(id)
		return "", err
	}
	return id, nil
}

func (s *Service) attach(ctx context.Context, sess *session.Session, cfg domain.SessionConfig) error {
	mgr := cdp.New(cdp.Config{
		DevToolsURL: cfg.DevToolsURL,
		Signals:     sess.Signals,
		Logger:      s.log.With("session", string(sess.ID)),
	})
	info, err := mgr.Attach(ctx, cfg.Target)
	if err != nil {
		return fmt.Errorf("attach target: %w", err)
	}
	if cfg.PageURL == "" {
		sess.SetPageURL(info.URL)
	}

	h := handler.New(handler.Config{
		Session:  sess.ID,
		Recorder: sess.Store,
		Gate:     sess.Gate,
		Fetcher:  mgr.Fetcher(),
		PageURL:  sess.PageURL,
		OnDocument: func(frameID, url string) {
			// 页面目标的主框架 ID 与目标 ID 相同
			if frameID == string(info.ID) {
				sess.SetPageURL(url)
			}
		},
		Logger: s.log.With("session", string(sess.ID)),
	})
	mgr.SetHandler(h)
	sess.AttachHost(&cdpHost{mgr: mgr, handler: h})

	if err := mgr.Enable(); err != nil {
		return fmt.Errorf("enable interception: %w", err)
	}
	return nil
}

// cdpHost 把 CDP 连接适配为会话宿主
type cdpHost struct {
	mgr     *cdp.Manager
	handler *handler.Handler
}

func (h *cdpHost) ReleaseHeld(context.Context) int {
	return h.handler.ReleaseHeld(h.mgr.Context())
}

func (h *cdpHost) Close() error { return h.mgr.Detach() }

// StopSession 关闭会话
func (s *Service) StopSession(id domain.SessionID) error {
	if _, err := s.get(id); err != nil {
		return err
	}
	return s.sessions.Delete(id)
}

// ListTargets 列出浏览器中的页面
func (s *Service) ListTargets(ctx context.Context, devtoolsURL string) ([]domain.TargetInfo, error) {
	return cdp.ListTargets(ctx, devtoolsURL)
}

// Subscribe 订阅会话事件，返回取消函数
func (s *Service) Subscribe(id domain.SessionID, sub session.Subscriber) (func(), error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Subscribe(sub), nil
}

// Pause 暂停捕获
func (s *Service) Pause(id domain.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.Gate.Pause()
	return nil
}

// Resume 恢复捕获并放行持有的请求
func (s *Service) Resume(id domain.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.Gate.Resume()
	return nil
}

// Clear 清空会话历史
func (s *Service) Clear(id domain.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.Clear()
	return nil
}

// SetAlertThresholds 更新告警阈值
func (s *Service) SetAlertThresholds(id domain.SessionID, th domain.AlertThresholds) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.Alerts.SetThresholds(th)
	return nil
}

// SetMaxHistory 调整历史容量
func (s *Service) SetMaxHistory(id domain.SessionID, n int) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.Store.SetMaxHistory(n)
	return nil
}

// Replay 重放一条历史记录
func (s *Service) Replay(ctx context.Context, id domain.SessionID, exchangeID int64, opts *replay.Options) (bool, error) {
	sess, err := s.get(id)
	if err != nil {
		return false, err
	}
	ex, ok := sess.Store.Find(exchangeID)
	if !ok {
		return false, fmt.Errorf("replay %d: %w", exchangeID, ErrExchangeNotFound)
	}
	return sess.Replay.Replay(ctx, ex, opts), nil
}

// ReplayMany 顺序重放多条记录，已被淘汰的条目跳过
func (s *Service) ReplayMany(ctx context.Context, id domain.SessionID, exchangeIDs []int64, opts *replay.Options, progress func(current, total int)) (int, error) {
	sess, err := s.get(id)
	if err != nil {
		return 0, err
	}
	exchanges := make([]domain.CapturedExchange, 0, len(exchangeIDs))
	for _, eid := range exchangeIDs {
		if ex, ok := sess.Store.Find(eid); ok {
			exchanges = append(exchanges, ex)
		}
	}
	return sess.Replay.ReplayMany(ctx, exchanges, opts, progress), nil
}

// ExportExchange 导出单条记录
func (s *Service) ExportExchange(id domain.SessionID, exchangeID int64, path string) (string, error) {
	sess, err := s.get(id)
	if err != nil {
		return "", err
	}
	ex, ok := sess.Store.Find(exchangeID)
	if !ok {
		return "", fmt.Errorf("export %d: %w", exchangeID, ErrExchangeNotFound)
	}
	return sess.Exports.ExportExchange(ex, string(id), path)
}

// ExportSession 在后台导出整个会话，返回导出 ID
func (s *Service) ExportSession(ctx context.Context, id domain.SessionID, opts ExportOptions) (string, error) {
	sess, err := s.get(id)
	if err != nil {
		return "", err
	}
	m := sess.Store.Metrics()
	return sess.Exports.ExportSession(ctx, export.SessionRequest{
		SessionID:   string(id),
		Exchanges:   sess.Store.Snapshot(),
		Metrics:     &m,
		FullSession: opts.FullSession,
		Mode:        opts.Mode,
		Gzip:        opts.Gzip,
		Path:        opts.Path,
	})
}

// CancelExport 取消导出
func (s *Service) CancelExport(id domain.SessionID, exportID string) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.Exports.Cancel(exportID)
}

// RecordSignal 记录运行时指纹信号，影响该域名后续的评分
func (s *Service) RecordSignal(id domain.SessionID, host, api string, fingerprint bool) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if api != "" {
		sess.Signals.RecordAPI(host, api)
	}
	if fingerprint {
		sess.Signals.MarkFingerprinting(host)
	}
	return nil
}

// Snapshot 当前历史
func (s *Service) Snapshot(id domain.SessionID) ([]domain.CapturedExchange, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Store.Snapshot(), nil
}

// Metrics 当前指标
func (s *Service) Metrics(id domain.SessionID) (domain.TrafficMetrics, error) {
	sess, err := s.get(id)
	if err != nil {
		return domain.TrafficMetrics{}, err
	}
	return sess.Store.Metrics(), nil
}

// Session 返回会话，供宿主直接上报事件
func (s *Service) Session(id domain.SessionID) (*session.Session, error) {
	return s.get(id)
}

// Close 关闭全部会话
func (s *Service) Close() {
	s.sessions.CloseAll()
}

func (s *Service) get(id domain.SessionID) (*session.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}
