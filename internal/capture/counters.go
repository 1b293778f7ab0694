package capture

import (
	"sync"
	"time"

	"netlens/pkg/domain"
)

// counters 增量维护的汇总计数，每次事件 O(1)
type counters struct {
	total      int
	thirdParty int
	trackers   int
	highRisk   int
	scoreSum   int64
	bytes      int64
}

func (c *counters) add(ex *domain.CapturedExchange) {
	c.total++
	if ex.IsThirdParty {
		c.thirdParty++
	}
	if ex.IsTracker {
		c.trackers++
	}
	if ex.IsHighRisk() {
		c.highRisk++
	}
	c.scoreSum += int64(ex.RiskScore)
	c.bytes += ex.ResponseSize
}

func (c *counters) remove(ex *domain.CapturedExchange) {
	c.total--
	if ex.IsThirdParty {
		c.thirdParty--
	}
	if ex.IsTracker {
		c.trackers--
	}
	if ex.IsHighRisk() {
		c.highRisk--
	}
	c.scoreSum -= int64(ex.RiskScore)
	c.bytes -= ex.ResponseSize
}

// rescore 响应到达后更新分数与字节数
func (c *counters) rescore(oldScore, newScore int, addedBytes int64) {
	if oldScore >= domain.HighScore {
		c.highRisk--
	}
	if newScore >= domain.HighScore {
		c.highRisk++
	}
	c.scoreSum += int64(newScore - oldScore)
	c.bytes += addedBytes
}

func (c *counters) metrics() domain.TrafficMetrics {
	m := domain.TrafficMetrics{
		TotalRequests:      c.total,
		ThirdPartyRequests: c.thirdParty,
		TrackerRequests:    c.trackers,
		HighRiskRequests:   c.highRisk,
		TotalBytes:         c.bytes,
	}
	if c.total > 0 {
		m.AverageRiskScore = float64(c.scoreSum) / float64(c.total)
	}
	return m
}

// scanMetrics 全量扫描历史得到汇总
func scanMetrics(history []*entry) domain.TrafficMetrics {
	var c counters
	for _, e := range history {
		c.add(e.ex)
	}
	return c.metrics()
}

// rateTracker 计算最近 1 秒的请求速率及 N 次采样的滑动平均
type rateTracker struct {
	mu       sync.Mutex
	arrivals []time.Time
	samples  []float64
	next     int
	filled   int
}

func newRateTracker(n int) *rateTracker {
	if n <= 0 {
		n = 10
	}
	return &rateTracker{samples: make([]float64, n)}
}

func (r *rateTracker) observe(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrivals = append(r.arrivals, t)
	r.trim(t)
}

func (r *rateTracker) trim(now time.Time) {
	cut := now.Add(-time.Second)
	i := 0
	for i < len(r.arrivals) && !r.arrivals[i].After(cut) {
		i++
	}
	if i > 0 {
		r.arrivals = append(r.arrivals[:0], r.arrivals[i:]...)
	}
}

// rates 返回当前速率；sample 为真时把本次速率计入滑动窗口
func (r *rateTracker) rates(now time.Time, sample bool) (rps, avg float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trim(now)
	rps = float64(len(r.arrivals))
	if sample {
		r.samples[r.next] = rps
		r.next = (r.next + 1) % len(r.samples)
		if r.filled < len(r.samples) {
			r.filled++
		}
	}
	if r.filled == 0 {
		return rps, rps
	}
	var sum float64
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	return rps, sum / float64(r.filled)
}

func (r *rateTracker) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrivals = nil
	for i := range r.samples {
		r.samples[i] = 0
	}
	r.next, r.filled = 0, 0
}
