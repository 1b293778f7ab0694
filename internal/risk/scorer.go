package risk

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"

	"netlens/pkg/domain"
	"netlens/pkg/traffic"
)

// CorroborationBoost 每个额外佐证因子带来的乘数增量，最多计 3 个。
// 该系数是经验值，可调。
const (
	CorroborationBoost    = 0.15
	CorroborationMaxCount = 3
)

// 因子名称
const (
	FactorFingerprintAPI     = "Fingerprinting API"
	FactorThirdParty         = "Third-party"
	FactorTrackerLabel       = "Known tracker"
	FactorTrackerConfidence  = "Tracker heuristic"
	FactorFingerprintSignal  = "Fingerprint signal"
	FactorFingerprintPattern = "Fingerprint script"
	FactorTrackerURL         = "Tracker URL"
	FactorCookie             = "Cookie hygiene"
	FactorTrackingHeader     = "Tracking header"
	FactorReferrerLeak       = "Referrer leak"
	FactorTrackingParams     = "Tracking parameters"
)

// 分类
const (
	CategoryFingerprinting = "Fingerprinting"
	CategoryTracker        = "Tracker"
	CategoryThirdParty     = "Third-party"
	CategoryFirstParty     = "First-party"
)

const noSignalExplanation = "First-party or low-risk resource; no significant signals."

// Factor 单个风险因子，仅用于内部累计与解释
type Factor struct {
	Name   string
	Weight float64
	Points float64
	Detail string
}

// Facts 评分所需的请求侧事实
type Facts struct {
	URL               string
	Method            string
	Domain            string
	IsThirdParty      bool
	RequestHeaders    traffic.Header
	Query             map[string]string
	TrackerLabel      string
	TrackerConfidence float64
}

// FactsFromRequest 从中立请求模型构建评分事实
func FactsFromRequest(req *traffic.Request) Facts {
	host, _ := SplitURL(req.URL)
	pageHost, _ := SplitURL(req.PageURL)
	return Facts{
		URL:               req.URL,
		Method:            req.Method,
		Domain:            host,
		IsThirdParty:      IsThirdParty(host, pageHost),
		RequestHeaders:    req.Headers,
		Query:             req.Query,
		TrackerLabel:      req.TrackerLabel,
		TrackerConfidence: req.TrackerConfidence,
	}
}

// Result 评分结果
type Result struct {
	Score       int
	Level       domain.RiskLevel
	Category    string
	Explanation string
	Factors     []Factor
	IsTracker   bool
}

var trackingHeaders = []string{
	"x-uidh",
	"x-client-data",
	"x-tracking-id",
	"x-visitor-id",
	"x-device-id",
	"x-adobe-ecid",
	"x-fb-trace-id",
	"x-wap-profile",
}

var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"gclid": {}, "fbclid": {}, "msclkid": {}, "dclid": {}, "yclid": {},
	"mc_eid": {}, "igshid": {}, "_ga": {}, "_gl": {}, "twclid": {}, "ttclid": {},
}

// Compute 计算风险分。对同样的输入结果确定，因子的评估顺序只影响解释文本。
func Compute(f Facts, respHeaders traffic.Header, sig *RuntimeSignals, provider PatternProvider) Result {
	var factors []Factor
	add := func(name string, weight, points float64, detail string) {
		factors = append(factors, Factor{Name: name, Weight: weight, Points: points, Detail: detail})
	}
	lowerURL := strings.ToLower(f.URL)
	fingerprinting := false
	tracker := false
	isTracker := false

	if sig != nil && len(sig.APIs) > 0 {
		pts := math.Min(100, 70+10*float64(len(sig.APIs)-1))
		add(FactorFingerprintAPI, 3.0, pts, "Runtime use of "+strings.Join(sig.APIs, ", "))
		fingerprinting = true
	}

	if f.IsThirdParty {
		add(FactorThirdParty, 1.0, 30, "Request to "+f.Domain+" crosses the page origin")
	}

	if f.TrackerLabel != "" {
		add(FactorTrackerLabel, 2.0, 60, "Matched tracker list entry \""+f.TrackerLabel+"\"")
		tracker = true
		isTracker = true
	}

	if c := clamp01(f.TrackerConfidence); c > 0 {
		add(FactorTrackerConfidence, 1.5, math.Round(70*c), fmt.Sprintf("Heuristic tracker confidence %.2f", c))
		if c > 0.3 {
			tracker = true
			isTracker = true
		}
	}

	if sig != nil && sig.FingerprintDetected {
		add(FactorFingerprintSignal, 2.5, 80, "Runtime fingerprinting detector fired")
		fingerprinting = true
	}

	var extraFP, extraTracker []Pattern
	if provider != nil {
		extraFP = provider.FingerprintPatterns()
		extraTracker = provider.TrackerPatterns()
	}
	if p, ok := matchFirst(lowerURL, builtinFingerprintPatterns, extraFP); ok {
		add(FactorFingerprintPattern, 2.0, 75, "URL matches fingerprinting script "+p.Name)
		fingerprinting = true
	}
	if p, ok := matchFirst(lowerURL, builtinTrackerPatterns, extraTracker); ok {
		add(FactorTrackerURL, 1.5, 65, "URL matches tracker "+p.Name)
		isTracker = true
	}

	if pts, detail := cookieIssues(respHeaders, f.IsThirdParty); pts > 0 {
		add(FactorCookie, 1.5, pts, detail)
	}

	if found := trackingHeadersIn(f.RequestHeaders, respHeaders); len(found) > 0 {
		add(FactorTrackingHeader, 1.0, 45, "Tracking header present: "+strings.Join(found, ", "))
	}

	if f.IsThirdParty {
		if pts, detail := referrerLeak(f.RequestHeaders.Get("referer")); pts > 0 {
			add(FactorReferrerLeak, 1.2, pts, detail)
		}
	}

	if params := trackingParamsIn(f); len(params) > 0 {
		pts := math.Min(60, 30+10*float64(len(params)-1))
		add(FactorTrackingParams, 0.8, pts, "URL carries "+strings.Join(params, ", "))
	}

	res := Result{Factors: factors, IsTracker: isTracker}
	res.Score = aggregate(factors)
	res.Level = domain.LevelForScore(res.Score)
	switch {
	case fingerprinting:
		res.Category = CategoryFingerprinting
	case tracker:
		res.Category = CategoryTracker
	case f.IsThirdParty:
		res.Category = CategoryThirdParty
	default:
		res.Category = CategoryFirstParty
	}
	res.Explanation = explain(factors)
	return res
}

// aggregate 加权平均后乘以佐证加成并截断到 0-100
func aggregate(factors []Factor) int {
	var weighted, weights float64
	for _, f := range factors {
		weighted += f.Points * f.Weight
		weights += f.Weight
	}
	if weights <= 0 {
		return 0
	}
	n := len(factors)
	if n > CorroborationMaxCount {
		n = CorroborationMaxCount
	}
	score := math.Round(weighted / weights * (1 + CorroborationBoost*float64(n)))
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return int(score)
}

func explain(factors []Factor) string {
	if len(factors) == 0 {
		return noSignalExplanation
	}
	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		parts = append(parts, "["+f.Name+"] "+f.Detail+".")
	}
	return strings.Join(parts, " ")
}

// cookieIssues 按问题最严重的一条 Set-Cookie 计分
func cookieIssues(h traffic.Header, thirdParty bool) (float64, string) {
	var worst float64
	var detail string
	for _, raw := range h.Values("set-cookie") {
		c := traffic.ParseSetCookie(raw)
		var pts float64
		var issues []string
		if !c.Secure {
			pts += 20
			issues = append(issues, "missing Secure")
		}
		if !c.HttpOnly {
			pts += 15
			issues = append(issues, "missing HttpOnly")
		}
		if c.SameSite == "none" && !c.Secure {
			pts += 25
			issues = append(issues, "SameSite=None without Secure")
		}
		if thirdParty {
			pts += 30
			issues = append(issues, "third-party cookie")
		}
		pts = math.Min(100, pts)
		if pts > worst {
			worst = pts
			detail = fmt.Sprintf("Cookie %q: %s", c.Name, strings.Join(issues, ", "))
		}
	}
	return worst, detail
}

func trackingHeadersIn(req, resp traffic.Header) []string {
	var found []string
	for _, name := range trackingHeaders {
		if req.Has(name) || resp.Has(name) {
			found = append(found, name)
		}
	}
	return found
}

func referrerLeak(referer string) (float64, string) {
	if referer == "" {
		return 0, ""
	}
	u, err := url.Parse(referer)
	if err != nil {
		return 0, ""
	}
	if u.RawQuery != "" {
		return 60, "Full referrer with query string sent to third party"
	}
	if u.Path != "" && u.Path != "/" {
		return 50, "Referrer path " + u.Path + " sent to third party"
	}
	return 0, ""
}

func trackingParamsIn(f Facts) []string {
	query := f.Query
	if len(query) == 0 {
		if u, err := url.Parse(f.URL); err == nil {
			query = make(map[string]string)
			for k := range u.Query() {
				query[strings.ToLower(k)] = ""
			}
		}
	}
	var out []string
	for k := range query {
		if _, ok := trackingParams[strings.ToLower(k)]; ok {
			out = append(out, strings.ToLower(k))
		}
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
