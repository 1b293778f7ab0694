package replay

import (
	"net/http"
	"strings"

	"netlens/pkg/traffic"
)

// reservedHeaders 由 HTTP 客户端自行管理的头部，重放时静默丢弃
var reservedHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"upgrade":           {},
	"te":                {},
	"trailer":           {},
}

// IsReserved 判断头部是否不能显式设置
func IsReserved(name string) bool {
	k := strings.ToLower(strings.TrimSpace(name))
	if k == "" || strings.HasPrefix(k, ":") {
		return true
	}
	_, ok := reservedHeaders[k]
	return ok
}

// MergeHeaders 以捕获的头部为基础合并覆盖项（覆盖项优先），并剔除保留头部
func MergeHeaders(captured, overrides map[string]string) traffic.Header {
	out := make(traffic.Header, len(captured)+len(overrides))
	for k, v := range captured {
		if !IsReserved(k) {
			out.Set(k, v)
		}
	}
	for k, v := range overrides {
		if !IsReserved(k) {
			out.Set(k, v)
		}
	}
	return out
}

// apply 把合并后的头部写入 http.Request，多值按换行拆开
func apply(req *http.Request, h traffic.Header) {
	for k, v := range h {
		for _, part := range strings.Split(v, "\n") {
			req.Header.Add(k, part)
		}
	}
}

// fromHTTP 将响应头转换为小写键的中立头部
func fromHTTP(h http.Header) traffic.Header {
	out := make(traffic.Header, len(h))
	for k, vals := range h {
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}
