package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// AnyEvent 订阅该事件名可收到所有事件
const AnyEvent = "event"

// ErrClosed 连接已关闭
var ErrClosed = errors.New("transport: connection closed")

// Message 一条 CDP 事件
type Message struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// Handler 事件回调
type Handler func(Message)

// ListenerID 订阅句柄，用于 Off
type ListenerID uint64

// Client CDP 传输能力：发送命令与订阅事件。
// sessionID 为空表示根会话。
type Client interface {
	Send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error)
	On(event string, h Handler) ListenerID
	Off(event string, id ListenerID)
}

// Error CDP 命令返回的协议错误
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}
