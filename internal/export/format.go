package export

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"netlens/pkg/domain"
)

// SchemaVersion 导出文件结构版本
const SchemaVersion = "1.0"

var replayableMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "OPTIONS": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {},
}

// CanReplay 方法是否允许重放
func CanReplay(method string) bool {
	_, ok := replayableMethods[strings.ToUpper(method)]
	return ok
}

// ReplayInfo 导出记录中的重放信息
type ReplayInfo struct {
	CorrelationID  string `json:"correlation_id"`
	CanReplay      bool   `json:"can_replay"`
	Method         string `json:"method"`
	FullURL        string `json:"full_url"`
	ModifiedReplay bool   `json:"modified_replay"`
}

// Record 单条导出记录
type Record struct {
	ID              int64             `json:"id"`
	CorrelationID   string            `json:"correlation_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Method          string            `json:"method"`
	FullURL         string            `json:"full_url"`
	Domain          string            `json:"domain"`
	Path            string            `json:"path"`
	ResourceType    string            `json:"resource_type"`
	StatusCode      int               `json:"status_code"`
	ContentType     string            `json:"content_type"`
	ResponseSize    int64             `json:"response_size"`
	DurationMS      int64             `json:"duration_ms"`
	IsThirdParty    bool              `json:"is_third_party"`
	IsTracker       bool              `json:"is_tracker"`
	RiskScore       int               `json:"risk_score"`
	RiskLevel       domain.RiskLevel  `json:"risk_level"`
	Category        string            `json:"category"`
	RiskExplanation string            `json:"risk_explanation"`
	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	Replay          ReplayInfo        `json:"replay"`
}

// NewRecord 由捕获条目生成导出记录
func NewRecord(ex domain.CapturedExchange) Record {
	return Record{
		ID:              ex.ID,
		CorrelationID:   ex.CorrelationID,
		Timestamp:       ex.Timestamp,
		Method:          ex.Method,
		FullURL:         ex.FullURL,
		Domain:          ex.Domain,
		Path:            ex.Path,
		ResourceType:    ex.ResourceType,
		StatusCode:      ex.StatusCode,
		ContentType:     ex.ContentType,
		ResponseSize:    ex.ResponseSize,
		DurationMS:      ex.DurationMS,
		IsThirdParty:    ex.IsThirdParty,
		IsTracker:       ex.IsTracker,
		RiskScore:       ex.RiskScore,
		RiskLevel:       ex.RiskLevel,
		Category:        ex.Category,
		RiskExplanation: ex.RiskExplanation,
		RequestHeaders:  ex.RequestHeaders,
		ResponseHeaders: ex.ResponseHeaders,
		Replay: ReplayInfo{
			CorrelationID:  ex.CorrelationID,
			CanReplay:      CanReplay(ex.Method),
			Method:         ex.Method,
			FullURL:        ex.FullURL,
			ModifiedReplay: ex.IsModifiedReplay,
		},
	}
}

// Document 整体导出文档
type Document struct {
	Version        string                 `json:"version"`
	ExportID       string                 `json:"export_id"`
	ExportedAt     time.Time              `json:"exported_at"`
	SessionTabID   string                 `json:"session_tab_id,omitempty"`
	FullSession    bool                   `json:"full_session"`
	Requests       []Record               `json:"requests"`
	SessionMetrics *domain.TrafficMetrics `json:"session_metrics,omitempty"`
}

// StreamHeader 流式导出的首行
type StreamHeader struct {
	Version        string                 `json:"version"`
	ExportID       string                 `json:"export_id"`
	ExportedAt     time.Time              `json:"exported_at"`
	FullSession    bool                   `json:"full_session"`
	RequestCount   int                    `json:"request_count"`
	SessionMetrics *domain.TrafficMetrics `json:"session_metrics"`
}

// Meta 导出元信息
type Meta struct {
	ExportID     string
	ExportedAt   time.Time
	SessionTabID string
	FullSession  bool
	Metrics      *domain.TrafficMetrics
}

// BuildDocument 构造整体导出文档
func BuildDocument(exchanges []domain.CapturedExchange, meta Meta) Document {
	doc := Document{
		Version:        SchemaVersion,
		ExportID:       meta.ExportID,
		ExportedAt:     meta.ExportedAt.UTC(),
		SessionTabID:   meta.SessionTabID,
		FullSession:    meta.FullSession,
		Requests:       make([]Record, 0, len(exchanges)),
		SessionMetrics: meta.Metrics,
	}
	for _, ex := range exchanges {
		doc.Requests = append(doc.Requests, NewRecord(ex))
	}
	return doc
}

// WriteDocument 以缩进 JSON 写出文档
func WriteDocument(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
