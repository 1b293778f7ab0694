package risk

import (
	"sort"
	"strings"
	"sync"
)

// RuntimeSignals 页面脚本上报的运行时信号
type RuntimeSignals struct {
	APIs                []string // 使用过的指纹相关 API，如 canvas / webgl / audio
	FingerprintDetected bool     // 运行时检测器判定存在指纹行为
}

type domainSignals struct {
	apis        map[string]struct{}
	fingerprint bool
}

// SignalContext 会话级运行时信号表，由会话持有，随会话清空
type SignalContext struct {
	mu       sync.RWMutex
	byDomain map[string]*domainSignals
}

// NewSignalContext 创建信号表
func NewSignalContext() *SignalContext {
	return &SignalContext{byDomain: make(map[string]*domainSignals)}
}

func (c *SignalContext) entry(domain string) *domainSignals {
	d := strings.ToLower(domain)
	s, ok := c.byDomain[d]
	if !ok {
		s = &domainSignals{apis: make(map[string]struct{})}
		c.byDomain[d] = s
	}
	return s
}

// RecordAPI 记录某个域名的脚本调用了指纹相关 API
func (c *SignalContext) RecordAPI(domain, api string) {
	if domain == "" || api == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(domain).apis[strings.ToLower(api)] = struct{}{}
}

// MarkFingerprinting 标记某个域名被检测到指纹行为
func (c *SignalContext) MarkFingerprinting(domain string) {
	if domain == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(domain).fingerprint = true
}

// For 返回域名的信号快照，无信号时返回 nil
func (c *SignalContext) For(domain string) *RuntimeSignals {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byDomain[strings.ToLower(domain)]
	if !ok {
		return nil
	}
	apis := make([]string, 0, len(s.apis))
	for api := range s.apis {
		apis = append(apis, api)
	}
	sort.Strings(apis)
	return &RuntimeSignals{APIs: apis, FingerprintDetected: s.fingerprint}
}

// Clear 清空全部信号
func (c *SignalContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byDomain = make(map[string]*domainSignals)
}
