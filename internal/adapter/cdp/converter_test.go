package cdp

import (
	"encoding/json"
	"testing"
	"time"

	"cdpnethar/pkg/traffic"
)

const requestWillBeSent = `{
	"requestId": "1000.1",
	"loaderId": "L1",
	"documentURL": "https://example.com/",
	"request": {
		"url": "https://example.com/api/items?q=1",
		"urlFragment": "#top",
		"method": "POST",
		"headers": {"Content-Type": "application/json", "X-Trace": "abc"},
		"hasPostData": true,
		"postData": "{\"a\":1}"
	},
	"timestamp": 100.25,
	"wallTime": 1700000000.5,
	"type": "Fetch",
	"redirectResponse": {"url": "https://example.com/old", "status": 302, "statusText": "Found", "headers": {"Location": "/api/items"}, "mimeType": ""}
}`

func TestToRequest(t *testing.T) {
	req := ToRequest(json.RawMessage(requestWillBeSent))

	if req.ID != "1000.1" || req.Method != "POST" || req.ResourceType != "Fetch" {
		t.Errorf("basic fields = %q %q %q", req.ID, req.Method, req.ResourceType)
	}
	if req.URL != "https://example.com/api/items?q=1#top" {
		t.Errorf("URL = %q", req.URL)
	}
	if req.Parsed().Host != "example.com" || req.Parsed().Path != "/api/items" {
		t.Errorf("parsed = %v", req.Parsed())
	}
	if req.Headers.Get("content-type") != "application/json" || req.Headers.Get("X-TRACE") != "abc" {
		t.Errorf("headers = %v", req.Headers)
	}
	if !req.HasPostData || req.Body != `{"a":1}` {
		t.Errorf("post data = %v %q", req.HasPostData, req.Body)
	}
	if want := time.Unix(1700000000, 500000000); !req.StartedAt.Equal(want) {
		t.Errorf("StartedAt = %v, want %v", req.StartedAt, want)
	}
	if req.Timestamp != 100.25 {
		t.Errorf("Timestamp = %v", req.Timestamp)
	}
}

func TestRedirectResponse(t *testing.T) {
	res := RedirectResponse(json.RawMessage(requestWillBeSent))
	if res == nil {
		t.Fatal("redirect response missing")
	}
	if res.StatusCode != 302 || res.StatusText != "Found" || res.Headers.Get("location") != "/api/items" {
		t.Errorf("redirect = %+v", res)
	}
	if RedirectResponse(json.RawMessage(`{"requestId":"1"}`)) != nil {
		t.Error("expected nil without redirectResponse")
	}
}

func TestResponseOf(t *testing.T) {
	res := ResponseOf(json.RawMessage(`{"requestId":"1","response":{"status":404,"statusText":"Not Found","mimeType":"text/html","headers":{"Server":"nginx"}}}`))
	if res.StatusCode != 404 || res.MimeType != "text/html" || res.Headers.Get("server") != "nginx" {
		t.Errorf("response = %+v", res)
	}
}

func TestWebSocket(t *testing.T) {
	req := ToWebSocketRequest(json.RawMessage(`{"requestId":"ws1","url":"wss://example.com/socket"}`))
	if req.ID != "ws1" || req.Method != "GET" || req.Parsed().Scheme != "wss" {
		t.Errorf("ws request = %+v", req)
	}
	ApplyHandshakeRequest(req, json.RawMessage(`{"requestId":"ws1","timestamp":5,"wallTime":1700000000,"request":{"headers":{"Upgrade":"websocket"}}}`))
	if req.Headers.Get("upgrade") != "websocket" || req.Timestamp != 5 {
		t.Errorf("handshake = %+v", req)
	}
	if !req.StartedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("StartedAt = %v", req.StartedAt)
	}
}

func TestErrorText(t *testing.T) {
	if got := ErrorText(json.RawMessage(`{"errorText":"net::ERR_FAILED"}`)); got != "net::ERR_FAILED" {
		t.Errorf("ErrorText = %q", got)
	}
	if got := ErrorText(json.RawMessage(`{"canceled":true}`)); got != "canceled" {
		t.Errorf("ErrorText canceled = %q", got)
	}
}

func TestEventSourceMessage(t *testing.T) {
	m := ToEventSourceMessage(json.RawMessage(`{"requestId":"1","timestamp":3.5,"eventName":"tick","eventId":"9","data":"hello"}`))
	if m.Time != 3.5 || m.EventName != "tick" || m.EventID != "9" || m.Data != "hello" {
		t.Errorf("message = %+v", m)
	}
}

func TestWebSocketFrame(t *testing.T) {
	m := ToWebSocketFrame(json.RawMessage(`{"requestId":"ws","timestamp":7.25,"response":{"opcode":1,"mask":true,"payloadData":"Hello Server!"}}`), traffic.FrameSent)
	if m.Type != "request" || m.Time != 7.25 || m.Opcode != 1 || m.Data != "Hello Server!" {
		t.Errorf("frame = %+v", m)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(1.0, 1.25); got != 250*time.Millisecond {
		t.Errorf("Duration = %v", got)
	}
	if got := Duration(0, 5); got != 0 {
		t.Errorf("Duration without start = %v", got)
	}
	if got := Duration(5, 4); got != 0 {
		t.Errorf("Duration negative = %v", got)
	}
}
