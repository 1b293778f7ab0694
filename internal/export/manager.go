package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"netlens/internal/logger"
	"netlens/internal/metrics"
	"netlens/pkg/domain"
)

// ErrExportNotFound 导出任务不存在或已结束
var ErrExportNotFound = errors.New("export not found")

// Mode 会话导出方式
type Mode int

const (
	ModeAuto Mode = iota
	ModeDocument
	ModeStreaming
)

// Job 导出任务的元信息
type Job struct {
	ID        string
	SessionID string
	Path      string
	Streaming bool
	Gzip      bool
	Total     int
	StartedAt time.Time
}

// Ledger 记录导出任务，只保存元信息
type Ledger interface {
	Begin(ctx context.Context, job Job) error
	Finish(ctx context.Context, id string, status domain.ExportStatus, written int, errMsg string) error
}

// Config 导出管理器配置
type Config struct {
	Dir                string
	StreamingThreshold int
	ProgressEvery      int
	Ledger             Ledger
	Notify             func(domain.ExportEvent)
	Metrics            *metrics.Collector
	Logger             logger.Logger
	Now                func() time.Time
}

// SessionRequest 会话导出请求
type SessionRequest struct {
	SessionID   string
	Exchanges   []domain.CapturedExchange
	Metrics     *domain.TrafficMetrics
	FullSession bool
	Mode        Mode
	Gzip        bool
	Path        string // 为空时在 Dir 下生成
}

// Manager 管理后台导出任务
type Manager struct {
	dir           string
	threshold     int
	progressEvery int
	ledger        Ledger
	notify        func(domain.ExportEvent)
	collector     *metrics.Collector
	log           logger.Logger
	now           func() time.Time

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewManager 创建导出管理器
func NewManager(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	threshold := cfg.StreamingThreshold
	if threshold <= 0 {
		threshold = 10000
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "exports"
	}
	return &Manager{
		dir:           dir,
		threshold:     threshold,
		progressEvery: cfg.ProgressEvery,
		ledger:        cfg.Ledger,
		notify:        cfg.Notify,
		collector:     cfg.Metrics,
		log:           l.With("component", "export"),
		now:           now,
		jobs:          make(map[string]context.CancelFunc),
	}
}

// ExportExchange 同步导出单条记录，返回文件路径
func (m *Manager) ExportExchange(ex domain.CapturedExchange, sessionID, path string) (string, error) {
	id := uuid.NewString()
	if path == "" {
		path = filepath.Join(m.dir, fmt.Sprintf("netlens-%d-%s.json", ex.ID, id[:8]))
	}
	doc := BuildDocument([]domain.CapturedExchange{ex}, Meta{
		ExportID:     id,
		ExportedAt:   m.now(),
		SessionTabID: sessionID,
	})
	if err := writeFile(path, func(w io.Writer) error { return WriteDocument(w, doc) }); err != nil {
		m.collector.Export(string(domain.ExportFailed))
		return "", err
	}
	m.collector.Export(string(domain.ExportCompleted))
	m.log.Info("单条导出完成", "exportID", id, "path", path)
	return path, nil
}

// ExportSession 在后台导出整个会话，立即返回导出 ID
func (m *Manager) ExportSession(ctx context.Context, req SessionRequest) (string, error) {
	streaming := req.Mode == ModeStreaming || (req.Mode == ModeAuto && len(req.Exchanges) > m.threshold)
	if req.Gzip {
		streaming = true
	}
	id := uuid.NewString()
	path := req.Path
	if path == "" {
		ext := ".json"
		if streaming {
			ext = ".jsonl"
			if req.Gzip {
				ext += ".gz"
			}
		}
		path = filepath.Join(m.dir, "netlens-session-"+id+ext)
	}
	job := Job{
		ID:        id,
		SessionID: req.SessionID,
		Path:      path,
		Streaming: streaming,
		Gzip:      req.Gzip,
		Total:     len(req.Exchanges),
		StartedAt: m.now(),
	}
	if m.ledger != nil {
		if err := m.ledger.Begin(ctx, job); err != nil {
			m.log.Err(err, "导出任务登记失败", "exportID", id)
		}
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.jobs[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(id)
		m.run(jobCtx, job, req)
	}()
	return id, nil
}

// Cancel 请求取消导出任务
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	cancel, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel export %s: %w", id, ErrExportNotFound)
	}
	cancel()
	return nil
}

// Running 正在运行的任务数
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Wait 等待所有后台任务结束
func (m *Manager) Wait() { m.wg.Wait() }

// Close 取消全部任务并等待结束
func (m *Manager) Close() {
	m.mu.Lock()
	for _, cancel := range m.jobs {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	cancel, ok := m.jobs[id]
	delete(m.jobs, id)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, job Job, req SessionRequest) {
	log := m.log.With("exportID", job.ID, "path", job.Path)
	log.Info("开始导出会话", "total", job.Total, "streaming", job.Streaming, "gzip", job.Gzip)
	m.emit(domain.ExportEvent{ExportID: job.ID, Status: domain.ExportRunning, Total: job.Total, Path: job.Path})

	meta := Meta{
		ExportID:     job.ID,
		ExportedAt:   job.StartedAt,
		SessionTabID: req.SessionID,
		FullSession:  req.FullSession,
		Metrics:      req.Metrics,
	}

	written := 0
	status := domain.ExportCompleted
	err := writeFile(job.Path, func(w io.Writer) error {
		if !job.Streaming {
			if err := ctx.Err(); err != nil {
				status = domain.ExportCancelled
				return err
			}
			if err := WriteDocument(w, BuildDocument(req.Exchanges, meta)); err != nil {
				status = domain.ExportFailed
				return err
			}
			written = job.Total
			return nil
		}
		var err error
		written, status, err = Stream(ctx, w, req.Exchanges, StreamOptions{
			Meta:          meta,
			Gzip:          job.Gzip,
			ProgressEvery: m.progressEvery,
			Progress: func(n, total int) {
				m.emit(domain.ExportEvent{ExportID: job.ID, Status: domain.ExportRunning, Written: n, Total: total, Path: job.Path})
			},
		})
		return err
	})
	if err != nil && status == domain.ExportCompleted {
		status = domain.ExportFailed
	}

	ev := domain.ExportEvent{ExportID: job.ID, Status: status, Written: written, Total: job.Total, Path: job.Path}
	switch status {
	case domain.ExportCompleted:
		log.Info("会话导出完成", "written", written)
	case domain.ExportCancelled:
		log.Info("会话导出已取消", "written", written)
	default:
		ev.Error = err.Error()
		log.Err(err, "会话导出失败", "written", written)
	}
	if m.ledger != nil {
		if lerr := m.ledger.Finish(context.Background(), job.ID, status, written, ev.Error); lerr != nil {
			log.Err(lerr, "导出任务状态更新失败")
		}
	}
	m.collector.Export(string(status))
	m.emit(ev)
}

func (m *Manager) emit(ev domain.ExportEvent) {
	if m.notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("导出通知回调异常", "panic", r)
		}
	}()
	m.notify(ev)
}

// writeFile 创建目录与文件后调用 fn 写入
func writeFile(path string, fn func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}
	return nil
}
