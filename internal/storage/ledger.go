package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"netlens/internal/ctxkeys"
	"netlens/internal/export"
	"netlens/internal/logger"
	"netlens/pkg/domain"
)

// ExportJob 导出任务记录，只保存元信息，不保存流量内容
type ExportJob struct {
	ID         string `gorm:"primaryKey;size:36"`
	SessionID  string `gorm:"index;size:64"`
	Path       string
	Streaming  bool
	Gzip       bool
	Total      int
	Written    int
	Status     string `gorm:"index;size:16"`
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Options 数据库配置
type Options struct {
	DSN    string
	Prefix string
	Logger logger.Logger
}

// Ledger 基于 SQLite 的导出任务台账
type Ledger struct {
	db *gorm.DB
}

// Open 打开数据库并迁移表结构
func Open(opts Options) (*Ledger, error) {
	dsn := opts.DSN
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(opts.Logger),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&ExportJob{}); err != nil {
		return nil, fmt.Errorf("migrate export jobs: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Begin 登记新的导出任务
func (l *Ledger) Begin(ctx context.Context, job export.Job) error {
	ctx = context.WithValue(ctx, ctxkeys.TraceIDKey{}, job.ID)
	row := ExportJob{
		ID:        job.ID,
		SessionID: job.SessionID,
		Path:      job.Path,
		Streaming: job.Streaming,
		Gzip:      job.Gzip,
		Total:     job.Total,
		Status:    string(domain.ExportRunning),
		StartedAt: job.StartedAt,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert export job %s: %w", job.ID, err)
	}
	return nil
}

// Finish 更新任务的最终状态
func (l *Ledger) Finish(ctx context.Context, id string, status domain.ExportStatus, written int, errMsg string) error {
	ctx = context.WithValue(ctx, ctxkeys.TraceIDKey{}, id)
	now := time.Now()
	res := l.db.WithContext(ctx).Model(&ExportJob{}).Where("id = ?", id).Updates(map[string]any{
		"status":      string(status),
		"written":     written,
		"error":       errMsg,
		"finished_at": &now,
	})
	if res.Error != nil {
		return fmt.Errorf("update export job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update export job %s: %w", id, export.ErrExportNotFound)
	}
	return nil
}

// Get 查询单个任务
func (l *Ledger) Get(ctx context.Context, id string) (*ExportJob, error) {
	var row ExportJob
	err := l.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get export job %s: %w", id, export.ErrExportNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get export job %s: %w", id, err)
	}
	return &row, nil
}

// List 按开始时间倒序列出某会话的任务，sessionID 为空时列出全部
func (l *Ledger) List(ctx context.Context, sessionID string, limit int) ([]ExportJob, error) {
	q := l.db.WithContext(ctx).Order("started_at desc")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ExportJob
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	return rows, nil
}

// Close 关闭数据库连接
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
