package cdp

import (
	"encoding/json"
	"math"
	"time"

	"cdpnethar/pkg/traffic"

	"github.com/tidwall/gjson"
)

// RequestID 读取事件参数中的 requestId
func RequestID(params json.RawMessage) string {
	return gjson.GetBytes(params, "requestId").String()
}

// Timestamp 读取事件的单调时间戳（秒）
func Timestamp(params json.RawMessage) float64 {
	return gjson.GetBytes(params, "timestamp").Float()
}

// ToRequest 将 Network.requestWillBeSent 参数转换为中立 Request 模型
func ToRequest(params json.RawMessage) *traffic.Request {
	p := gjson.ParseBytes(params)
	req := traffic.NewRequest(p.Get("requestId").String(), p.Get("request.url").String())
	if frag := p.Get("request.urlFragment").String(); frag != "" {
		req.URL += frag
	}
	req.Method = p.Get("request.method").String()
	req.ResourceType = p.Get("type").String()
	req.HasPostData = p.Get("request.hasPostData").Bool()
	req.Body = p.Get("request.postData").String()
	req.Timestamp = p.Get("timestamp").Float()
	req.StartedAt = wallTime(p.Get("wallTime"))
	copyHeaders(req.Headers, p.Get("request.headers"))
	return req
}

// ToWebSocketRequest 将 Network.webSocketCreated 参数转换为 GET 升级请求
func ToWebSocketRequest(params json.RawMessage) *traffic.Request {
	p := gjson.ParseBytes(params)
	req := traffic.NewRequest(p.Get("requestId").String(), p.Get("url").String())
	req.Method = "GET"
	req.ResourceType = "WebSocket"
	req.StartedAt = time.Now()
	return req
}

// ApplyHandshakeRequest 补全 WebSocket 握手请求的头部与时间
func ApplyHandshakeRequest(req *traffic.Request, params json.RawMessage) {
	p := gjson.ParseBytes(params)
	copyHeaders(req.Headers, p.Get("request.headers"))
	req.Timestamp = p.Get("timestamp").Float()
	if wt := p.Get("wallTime"); wt.Exists() {
		req.StartedAt = wallTime(wt)
	}
}

// ToResponse 转换 responseReceived 的 response 或 requestWillBeSent 的 redirectResponse 对象
func ToResponse(obj gjson.Result) *traffic.Response {
	res := traffic.NewResponse()
	res.StatusCode = int(obj.Get("status").Int())
	res.StatusText = obj.Get("statusText").String()
	res.MimeType = obj.Get("mimeType").String()
	copyHeaders(res.Headers, obj.Get("headers"))
	return res
}

// ResponseOf 取出 Network.responseReceived / webSocketHandshakeResponseReceived 的响应
func ResponseOf(params json.RawMessage) *traffic.Response {
	return ToResponse(gjson.GetBytes(params, "response"))
}

// RedirectResponse 取出重定向响应，没有时返回 nil
func RedirectResponse(params json.RawMessage) *traffic.Response {
	r := gjson.GetBytes(params, "redirectResponse")
	if !r.Exists() {
		return nil
	}
	return ToResponse(r)
}

// ErrorText 读取 Network.loadingFailed 的错误描述
func ErrorText(params json.RawMessage) string {
	p := gjson.ParseBytes(params)
	if p.Get("canceled").Bool() && p.Get("errorText").String() == "" {
		return "canceled"
	}
	return p.Get("errorText").String()
}

// ToEventSourceMessage 转换 Network.eventSourceMessageReceived 参数
func ToEventSourceMessage(params json.RawMessage) traffic.EventSourceMessage {
	p := gjson.ParseBytes(params)
	return traffic.EventSourceMessage{
		Time:      p.Get("timestamp").Float(),
		EventName: p.Get("eventName").String(),
		EventID:   p.Get("eventId").String(),
		Data:      p.Get("data").String(),
	}
}

// ToWebSocketFrame 转换 Network.webSocketFrameSent / webSocketFrameReceived 参数
func ToWebSocketFrame(params json.RawMessage, typ string) traffic.WebSocketMessage {
	p := gjson.ParseBytes(params)
	return traffic.WebSocketMessage{
		Type:   typ,
		Time:   p.Get("timestamp").Float(),
		Opcode: int(p.Get("response.opcode").Int()),
		Data:   p.Get("response.payloadData").String(),
	}
}

// Duration 由两个单调时间戳计算耗时，任一缺失时为 0
func Duration(start, end float64) time.Duration {
	if start <= 0 || end < start {
		return 0
	}
	return time.Duration(math.Round((end - start) * float64(time.Second)))
}

func wallTime(v gjson.Result) time.Time {
	if !v.Exists() || v.Float() <= 0 {
		return time.Now()
	}
	sec, frac := math.Modf(v.Float())
	return time.Unix(int64(sec), int64(frac*1e9))
}

func copyHeaders(dst traffic.Header, src gjson.Result) {
	src.ForEach(func(k, v gjson.Result) bool {
		dst.Set(k.String(), v.String())
		return true
	})
}
