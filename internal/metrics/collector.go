package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 捕获引擎的 Prometheus 指标。nil 接收者上的方法均为空操作，
// 未启用指标时可以直接传 nil。
type Collector struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	dropped   prometheus.Counter
	evictions prometheus.Counter
	replays   *prometheus.CounterVec
	alerts    *prometheus.CounterVec
	exports   *prometheus.CounterVec
	history   *prometheus.GaugeVec
	riskScore prometheus.Histogram
}

// NewCollector 在独立 registry 上注册全部指标
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netlens_requests_captured_total",
			Help: "Requests recorded into the capture store",
		}, []string{"party", "kind"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netlens_responses_matched_total",
			Help: "Responses correlated to a captured request",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netlens_responses_dropped_total",
			Help: "Responses with no matching pending request",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netlens_history_evictions_total",
			Help: "Exchanges evicted from the bounded history",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netlens_replays_total",
			Help: "Replay attempts by result",
		}, []string{"result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netlens_alerts_total",
			Help: "Alerts raised by level",
		}, []string{"level"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netlens_exports_total",
			Help: "Export jobs by final status",
		}, []string{"status"}),
		history: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netlens_history_size",
			Help: "Exchanges currently held in history",
		}, []string{"session"}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "netlens_risk_score",
			Help:    "Distribution of computed risk scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 85, 100},
		}),
	}
	c.registry.MustRegister(
		c.requests, c.responses, c.dropped, c.evictions,
		c.replays, c.alerts, c.exports, c.history, c.riskScore,
	)
	return c
}

// Registry 返回底层 registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RequestCaptured 记录一次请求
func (c *Collector) RequestCaptured(thirdParty, replay bool, score int) {
	if c == nil {
		return
	}
	party := "first"
	if thirdParty {
		party = "third"
	}
	c.requests.WithLabelValues(party, kind(replay)).Inc()
	c.riskScore.Observe(float64(score))
}

// ResponseMatched 记录一次响应匹配
func (c *Collector) ResponseMatched(replay bool, score int) {
	if c == nil {
		return
	}
	c.responses.WithLabelValues(kind(replay)).Inc()
	c.riskScore.Observe(float64(score))
}

// ResponseDropped 记录一次无法匹配的响应
func (c *Collector) ResponseDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// Evicted 记录淘汰条数
func (c *Collector) Evicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.Add(float64(n))
}

// HistorySize 更新会话历史长度
func (c *Collector) HistorySize(session string, n int) {
	if c == nil {
		return
	}
	c.history.WithLabelValues(session).Set(float64(n))
}

// Replay 记录重放结果：ok / failed / rejected
func (c *Collector) Replay(result string) {
	if c == nil {
		return
	}
	c.replays.WithLabelValues(result).Inc()
}

// Alert 记录告警
func (c *Collector) Alert(level string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(level).Inc()
}

// Export 记录导出任务结束状态
func (c *Collector) Export(status string) {
	if c == nil {
		return
	}
	c.exports.WithLabelValues(status).Inc()
}

func kind(replay bool) string {
	if replay {
		return "replay"
	}
	return "live"
}
