package domain

import (
	"time"
)

type SessionID string
type TargetID string

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// 风险等级分界
const (
	CriticalScore = 85
	HighScore     = 70
	MediumScore   = 40
)

// LevelForScore 根据分数得出等级
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= CriticalScore:
		return RiskCritical
	case score >= HighScore:
		return RiskHigh
	case score >= MediumScore:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Rank 等级序号，便于比较
func (l RiskLevel) Rank() int {
	switch l {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// CapturedExchange 一次请求及（可能已匹配的）响应
type CapturedExchange struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	SessionID     SessionID `json:"-"`
	Timestamp     time.Time `json:"timestamp"`

	Method       string `json:"method"`
	FullURL      string `json:"full_url"`
	Domain       string `json:"domain"`
	Path         string `json:"path"`
	ResourceType string `json:"resource_type"`

	StatusCode   int    `json:"status_code"` // 0 表示等待响应
	ContentType  string `json:"content_type"`
	ResponseSize int64  `json:"response_size"`
	DurationMS   int64  `json:"duration_ms"`

	IsThirdParty    bool      `json:"is_third_party"`
	IsTracker       bool      `json:"is_tracker"`
	TrackerLabel    string    `json:"-"`
	RiskScore       int       `json:"risk_score"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Category        string    `json:"category"`
	RiskExplanation string    `json:"risk_explanation"`

	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	RequestBody     string            `json:"-"`

	IsReplay             bool   `json:"-"`
	IsModifiedReplay     bool   `json:"-"`
	ReplayFailureMessage string `json:"-"`
	Evicted              bool   `json:"-"`
}

// Pending 是否仍在等待响应
func (e *CapturedExchange) Pending() bool {
	return e.StatusCode == 0 && e.ReplayFailureMessage == ""
}

// IsHighRisk 分数是否达到高风险
func (e *CapturedExchange) IsHighRisk() bool {
	return e.RiskScore >= HighScore
}

// TrafficMetrics 某一时刻的流量汇总
type TrafficMetrics struct {
	TotalRequests      int     `json:"total_requests"`
	ThirdPartyRequests int     `json:"third_party_requests"`
	TrackerRequests    int     `json:"tracker_requests"`
	HighRiskRequests   int     `json:"high_risk_requests"`
	AverageRiskScore   float64 `json:"average_risk_score"`
	TotalBytes         int64   `json:"total_bytes"`
	RequestsPerSecond  float64 `json:"requests_per_second"`
	MovingAverageRPS   float64 `json:"moving_average_rps"`
}

// AlertThresholds 告警阈值配置
type AlertThresholds struct {
	High            int  `json:"high"`
	Critical        int  `json:"critical"`
	HighEnabled     bool `json:"highEnabled"`
	CriticalEnabled bool `json:"criticalEnabled"`
	SoundEnabled    bool `json:"soundEnabled"`
}

// DefaultAlertThresholds 默认阈值
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		High:            HighScore,
		Critical:        CriticalScore,
		HighEnabled:     true,
		CriticalEnabled: true,
	}
}

// Alert 告警事件
type Alert struct {
	Level     RiskLevel        `json:"level"`
	Score     int              `json:"score"`
	IsReplay  bool             `json:"isReplay"`
	Exchange  CapturedExchange `json:"exchange"`
	Timestamp int64            `json:"timestamp"`
}

// PauseState 暂停闸门状态
type PauseState string

const (
	StateCapturing PauseState = "capturing"
	StatePaused    PauseState = "paused"
)

// ExportStatus 导出任务状态
type ExportStatus string

const (
	ExportRunning   ExportStatus = "running"
	ExportCompleted ExportStatus = "completed"
	ExportCancelled ExportStatus = "cancelled"
	ExportFailed    ExportStatus = "failed"
)

// ExportEvent 导出进度/结果通知
type ExportEvent struct {
	ExportID string       `json:"exportId"`
	Status   ExportStatus `json:"status"`
	Written  int          `json:"written"`
	Total    int          `json:"total"`
	Path     string       `json:"path"`
	Error    string       `json:"error,omitempty"`
}

// ReplayProgress 批量重放进度
type ReplayProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	DevToolsURL string   `json:"devToolsURL"`
	Target      TargetID `json:"target"`
	PageURL     string   `json:"pageURL"`
}

// TargetInfo 浏览器目标信息
type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
}
