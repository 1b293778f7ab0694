package cdp

import (
	"strconv"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"

	"netlens/pkg/traffic"
)

// ToNeutralRequest 将请求阶段的 Fetch 事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply, pageURL string, at time.Time) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	req.Timestamp = at
	req.PageURL = pageURL

	// DevTools 的 Headers 是 JSON 对象
	if len(ev.Request.Headers) > 0 {
		gjson.ParseBytes(ev.Request.Headers).ForEach(func(k, v gjson.Result) bool {
			req.Headers.Set(k.String(), v.String())
			return true
		})
	}
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}

	req.ParseQuery()
	req.ParseCookies()
	return req
}

// IsResponseStage 事件是否处于响应阶段
func IsResponseStage(ev *fetch.RequestPausedReply) bool {
	return ev.ResponseStatusCode != nil || ev.ResponseErrorReason != nil
}

// ToNeutralResponse 将响应阶段的 Fetch 事件转换为中立 Response 模型。
// 响应体不在此处读取，大小取自 Content-Length。
func ToNeutralResponse(ev *fetch.RequestPausedReply) *traffic.Response {
	res := traffic.NewResponse()
	res.URL = ev.Request.URL
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
	}
	for _, h := range ev.ResponseHeaders {
		res.Headers.Add(h.Name, h.Value)
	}
	res.ContentType = res.Headers.Get("content-type")
	if n, err := strconv.ParseInt(res.Headers.Get("content-length"), 10, 64); err == nil && n > 0 {
		res.Size = n
	}
	return res
}
