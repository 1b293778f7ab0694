package api

import (
	"context"

	"netlens/internal/replay"
	"netlens/internal/service"
	"netlens/internal/session"
	"netlens/pkg/domain"
)

type (
	// Subscriber 会话事件订阅
	Subscriber = session.Subscriber
	// ReplayOptions 重放修改项
	ReplayOptions = replay.Options
	// ExportOptions 会话导出选项
	ExportOptions = service.ExportOptions
	// Deps 服务依赖
	Deps = session.Deps
)

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = service.ErrSessionNotFound
	// ErrExchangeNotFound 条目不在历史中
	ErrExchangeNotFound = service.ErrExchangeNotFound
	// ErrInvalidReplayTarget 重放目标不是绝对 http(s) 地址
	ErrInvalidReplayTarget = replay.ErrInvalidReplayTarget
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(ctx context.Context, cfg domain.SessionConfig) (domain.SessionID, error)

	// StopSession 停止会话
	StopSession(id domain.SessionID) error

	// ListTargets 列出目标
	ListTargets(ctx context.Context, devtoolsURL string) ([]domain.TargetInfo, error)

	// Subscribe 订阅事件，返回取消函数
	Subscribe(id domain.SessionID, sub Subscriber) (func(), error)

	// Pause 暂停捕获
	Pause(id domain.SessionID) error

	// Resume 恢复捕获
	Resume(id domain.SessionID) error

	// Clear 清空历史
	Clear(id domain.SessionID) error

	// SetAlertThresholds 更新告警阈值
	SetAlertThresholds(id domain.SessionID, th domain.AlertThresholds) error

	// SetMaxHistory 调整历史容量
	SetMaxHistory(id domain.SessionID, n int) error

	// Replay 重放单条记录
	Replay(ctx context.Context, id domain.SessionID, exchangeID int64, opts *ReplayOptions) (bool, error)

	// ReplayMany 批量重放
	ReplayMany(ctx context.Context, id domain.SessionID, exchangeIDs []int64, opts *ReplayOptions, progress func(current, total int)) (int, error)

	// ExportExchange 导出单条记录
	ExportExchange(id domain.SessionID, exchangeID int64, path string) (string, error)

	// ExportSession 后台导出会话
	ExportSession(ctx context.Context, id domain.SessionID, opts ExportOptions) (string, error)

	// CancelExport 取消导出
	CancelExport(id domain.SessionID, exportID string) error

	// RecordSignal 上报运行时指纹信号
	RecordSignal(id domain.SessionID, host, api string, fingerprint bool) error

	// Snapshot 获取历史快照
	Snapshot(id domain.SessionID) ([]domain.CapturedExchange, error)

	// Metrics 获取流量指标
	Metrics(id domain.SessionID) (domain.TrafficMetrics, error)

	// Close 关闭全部会话
	Close()
}

// NewService 创建并返回服务接口实现
func NewService(deps Deps) Service {
	return service.New(deps)
}
