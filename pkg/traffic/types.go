package traffic

import (
	"net/url"
	"strings"
	"time"
)

// Header 封装通用的头部操作
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

// Request 一次被捕获的网络请求，过滤管线的评估单元
type Request struct {
	ID           string        `json:"requestId"`
	SessionID    string        `json:"sessionId,omitempty"` // 产生该请求的 CDP 会话，首次观察后不可变
	URL          string        `json:"url"`
	ParsedURL    *url.URL      `json:"-"`
	Method       string        `json:"method"`
	ResourceType string        `json:"resourceType,omitempty"`
	Headers      Header        `json:"headers"`
	HasPostData  bool          `json:"hasPostData,omitempty"`
	Body         string        `json:"body,omitempty"`
	Response     *Response     `json:"response,omitempty"`
	ErrorText    string        `json:"errorText,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`

	EventSourceMessages []EventSourceMessage `json:"eventSourceMessages,omitempty"`
	WebSocketMessages   []WebSocketMessage   `json:"webSocketMessages,omitempty"`

	// 单调时间戳（秒），用于计算 Duration
	Timestamp float64 `json:"-"`
}

// Response 中立的响应模型
type Response struct {
	StatusCode    int    `json:"status"`
	StatusText    string `json:"statusText,omitempty"`
	MimeType      string `json:"mimeType,omitempty"`
	Headers       Header `json:"headers"`
	Body          string `json:"body,omitempty"`
	Base64Encoded bool   `json:"base64Encoded,omitempty"`
}

// EventSourceMessage Server-Sent Events 消息
type EventSourceMessage struct {
	Time      float64 `json:"time"`
	EventName string  `json:"eventName"`
	EventID   string  `json:"eventId"`
	Data      string  `json:"data"`
}

// WebSocket 帧方向
const (
	FrameSent     = "request"
	FrameReceived = "response"
)

// WebSocketMessage 一个 WebSocket 帧，Type 为 FrameSent 或 FrameReceived
type WebSocketMessage struct {
	Type   string  `json:"type"`
	Time   float64 `json:"time"`
	Opcode int     `json:"opcode"`
	Data   string  `json:"data"`
}

// NewRequest 创建初始化请求对象，rawURL 解析失败时 ParsedURL 为空 URL
func NewRequest(id, rawURL string) *Request {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = &url.URL{}
	}
	return &Request{
		ID:        id,
		URL:       rawURL,
		ParsedURL: u,
		Headers:   make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		Headers: make(Header),
	}
}

// StatusCode 返回响应状态码，没有响应时为 0
func (r *Request) StatusCode() int {
	if r.Response == nil {
		return 0
	}
	return r.Response.StatusCode
}

// MimeType 返回响应 MIME 类型
func (r *Request) MimeType() string {
	if r.Response == nil {
		return ""
	}
	return r.Response.MimeType
}

// Parsed 返回解析后的 URL，ParsedURL 为空时按 URL 解析
func (r *Request) Parsed() *url.URL {
	if r.ParsedURL == nil {
		u, err := url.Parse(r.URL)
		if err != nil {
			u = &url.URL{}
		}
		r.ParsedURL = u
	}
	return r.ParsedURL
}
