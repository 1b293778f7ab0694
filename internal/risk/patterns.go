package risk

import (
	"regexp"
	"strings"
	"sync"

	"netlens/internal/config"
)

// MatchMode URL 特征的匹配方式
type MatchMode string

const (
	ModeSubstring MatchMode = "substring"
	ModePrefix    MatchMode = "prefix"
	ModeGlob      MatchMode = "glob"
	ModeRegex     MatchMode = "regex"
)

// Pattern URL 特征
type Pattern struct {
	Name  string
	Value string
	Mode  MatchMode
}

// Match 判断 URL（已小写）是否命中
func (p Pattern) Match(lowerURL string) bool {
	switch p.Mode {
	case ModePrefix:
		return strings.HasPrefix(lowerURL, strings.ToLower(p.Value))
	case ModeGlob:
		return glob(lowerURL, strings.ToLower(p.Value))
	case ModeRegex:
		re, err := regexCache.Get(p.Value)
		if err != nil {
			return false
		}
		return re.MatchString(lowerURL)
	default:
		return strings.Contains(lowerURL, strings.ToLower(p.Value))
	}
}

// PatternProvider 提供额外的特征表，追加在内置表之后
type PatternProvider interface {
	FingerprintPatterns() []Pattern
	TrackerPatterns() []Pattern
}

// 内置指纹脚本特征，按声明顺序扫描，首个命中即停止
var builtinFingerprintPatterns = []Pattern{
	{Name: "FingerprintJS", Value: "fingerprintjs"},
	{Name: "FingerprintJS", Value: "fpjs.io"},
	{Name: "fingerprint2", Value: "fingerprint2"},
	{Name: "ClientJS", Value: "clientjs"},
	{Name: "evercookie", Value: "evercookie"},
	{Name: "ThreatMetrix", Value: "threatmetrix"},
	{Name: "iovation", Value: "iovation"},
	{Name: "canvas fingerprint", Value: "canvas-fingerprint"},
	{Name: "device print", Value: "deviceprint"},
	{Name: "fp script", Value: "/fp.js"},
}

// 内置追踪地址特征
var builtinTrackerPatterns = []Pattern{
	{Name: "Google Analytics", Value: "google-analytics.com"},
	{Name: "Google Tag Manager", Value: "googletagmanager.com"},
	{Name: "DoubleClick", Value: "doubleclick.net"},
	{Name: "Facebook Pixel", Value: "facebook.com/tr"},
	{Name: "Facebook SDK", Value: "connect.facebook.net"},
	{Name: "Scorecard Research", Value: "scorecardresearch.com"},
	{Name: "Hotjar", Value: "hotjar.com"},
	{Name: "Segment", Value: "segment.io"},
	{Name: "Mixpanel", Value: "mixpanel.com"},
	{Name: "Criteo", Value: "criteo.com"},
	{Name: "Taboola", Value: "taboola.com"},
	{Name: "tracking pixel", Value: "/pixel."},
	{Name: "beacon", Value: "/beacon"},
}

// matchFirst 依次扫描内置表与扩展表，返回首个命中
func matchFirst(lowerURL string, builtin []Pattern, extra []Pattern) (Pattern, bool) {
	for _, p := range builtin {
		if p.Match(lowerURL) {
			return p, true
		}
	}
	for _, p := range extra {
		if p.Match(lowerURL) {
			return p, true
		}
	}
	return Pattern{}, false
}

// ConfigProvider 基于配置文件的特征提供者
type ConfigProvider struct {
	fingerprint []Pattern
	tracker     []Pattern
}

// NewConfigProvider 从配置构建特征提供者，非法正则在加载时被丢弃
func NewConfigProvider(cfg config.PatternConfig) *ConfigProvider {
	return &ConfigProvider{
		fingerprint: toPatterns(cfg.Fingerprint),
		tracker:     toPatterns(cfg.Tracker),
	}
}

func toPatterns(rules []config.PatternRule) []Pattern {
	out := make([]Pattern, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			continue
		}
		mode := MatchMode(strings.ToLower(r.Mode))
		switch mode {
		case ModePrefix, ModeGlob, ModeSubstring:
		case ModeRegex:
			if _, err := regexCache.Get(r.Pattern); err != nil {
				continue
			}
		default:
			mode = ModeSubstring
		}
		name := r.Name
		if name == "" {
			name = r.Pattern
		}
		out = append(out, Pattern{Name: name, Value: r.Pattern, Mode: mode})
	}
	return out
}

// FingerprintPatterns 实现 PatternProvider
func (p *ConfigProvider) FingerprintPatterns() []Pattern { return p.fingerprint }

// TrackerPatterns 实现 PatternProvider
func (p *ConfigProvider) TrackerPatterns() []Pattern { return p.tracker }

func glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return s == pattern
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return strings.HasSuffix(s, last)
}

type compiledCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var regexCache = &compiledCache{m: make(map[string]*regexp.Regexp)}

// Get 获取（或编译并缓存）正则
func (c *compiledCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[pattern] = re
	c.mu.Unlock()
	return re, nil
}
