package traffic

import (
	"net/url"
	"strings"
	"time"
)

// Header 封装通用的头部操作，键统一为小写
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Add 追加值，多个值以换行分隔（与 DevTools 合并 Set-Cookie 的方式一致）
func (h Header) Add(key, value string) {
	k := strings.ToLower(key)
	if cur, ok := h[k]; ok && cur != "" {
		h[k] = cur + "\n" + value
		return
	}
	h[k] = value
}

// Values 返回按换行拆分后的全部值
func (h Header) Values(key string) []string {
	v := h.Get(key)
	if v == "" {
		return nil
	}
	return strings.Split(v, "\n")
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Has 判断 Header 是否存在
func (h Header) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Clone 深拷贝
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request 中立的请求模型，即宿主上报的请求事实
type Request struct {
	ID           string            // 宿主侧请求 ID
	URL          string            // 完整URL
	Method       string            // HTTP方法
	Headers      Header            // 请求头
	Body         []byte            // 请求体原始数据
	ResourceType string            // 资源类型 (如 Document, XHR)
	Query        map[string]string // 预解析的查询参数
	Cookies      map[string]string // 预解析的Cookie
	Timestamp    time.Time         // 请求发出时间，零值表示使用当前时间

	PageURL           string  // 顶层页面地址，用于判断第三方
	TrackerLabel      string  // 外部追踪列表命中的标签
	TrackerConfidence float64 // 启发式追踪置信度 0-1
}

// Response 中立的响应模型
type Response struct {
	URL           string // 响应对应的请求地址
	StatusCode    int    // 状态码
	Headers       Header // 响应头
	ContentType   string
	Size          int64
	CorrelationID string // 非空时按关联 ID 匹配（重放）
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
		Query:   make(map[string]string),
		Cookies: make(map[string]string),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		Headers: make(Header),
	}
}

// ParseQuery 从 URL 解析查询参数（键小写）
func (r *Request) ParseQuery() {
	if r.Query == nil {
		r.Query = make(map[string]string)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return
	}
	for key, vals := range u.Query() {
		if len(vals) > 0 {
			r.Query[strings.ToLower(key)] = vals[0]
		}
	}
}

// ParseCookies 从 Cookie 头解析 Cookie
func (r *Request) ParseCookies() {
	if r.Cookies == nil {
		r.Cookies = make(map[string]string)
	}
	for name, val := range ParseCookie(r.Headers.Get("cookie")) {
		r.Cookies[strings.ToLower(name)] = val
	}
}

// ParseCookie 解析 Cookie 请求头
func ParseCookie(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, p := range strings.Split(s, ";") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

// SetCookie 单条 Set-Cookie 的属性
type SetCookie struct {
	Name     string
	Value    string
	Secure   bool
	HttpOnly bool
	SameSite string // 小写：none / lax / strict / ""
}

// ParseSetCookie 解析单条 Set-Cookie
func ParseSetCookie(s string) SetCookie {
	parts := strings.Split(s, ";")
	var c SetCookie
	if kv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2); len(kv) == 2 {
		c.Name, c.Value = kv[0], kv[1]
	}
	for _, attr := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(attr), "=", 2)
		switch strings.ToLower(kv[0]) {
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "samesite":
			if len(kv) == 2 {
				c.SameSite = strings.ToLower(strings.TrimSpace(kv[1]))
			}
		}
	}
	return c
}
