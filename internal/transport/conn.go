package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/mafredri/cdp/devtool"

	"cdpnethar/internal/logger"
)

type request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type wireMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

type listener struct {
	id ListenerID
	h  Handler
}

// Conn 基于 WebSocket 的扁平会话（flatten）CDP 客户端。
// 读协程只负责分发命令回复，事件经 inbox 交给唯一的分发协程串行执行，
// 因此事件回调内可以同步调用 Send。
type Conn struct {
	ws  *websocket.Conn
	log logger.Logger

	seq       atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan wireMessage
	writeMu   sync.Mutex

	listenersMu  sync.RWMutex
	listeners    map[string][]listener
	nextListener atomic.Uint64

	inbox     *mailbox
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Discover 通过 DevTools HTTP 端点获取浏览器级 WebSocket 地址，ws:// 地址原样返回
func Discover(ctx context.Context, devtoolsURL string) (string, error) {
	if strings.HasPrefix(devtoolsURL, "ws://") || strings.HasPrefix(devtoolsURL, "wss://") {
		return devtoolsURL, nil
	}
	v, err := devtool.New(devtoolsURL).Version(ctx)
	if err != nil {
		return "", fmt.Errorf("devtools version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools %s: no browser websocket url", devtoolsURL)
	}
	return v.WebSocketDebuggerURL, nil
}

// Dial 连接浏览器 WebSocket 调试地址
func Dial(ctx context.Context, wsURL string, l logger.Logger) (*Conn, error) {
	if l == nil {
		l = logger.NewNop()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	c := &Conn{
		ws:        ws,
		log:       l,
		pending:   make(map[int64]chan wireMessage),
		listeners: make(map[string][]listener),
		inbox:     newMailbox(),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	l.Info("已连接浏览器调试端点", "url", wsURL)
	return c, nil
}

// Send 发送命令并等待回复
func (c *Conn) Send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	id := c.seq.Add(1)
	b, err := json.Marshal(request{ID: id, Method: method, Params: params, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan wireMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

// On 订阅事件，event 为 AnyEvent 时接收全部事件
func (c *Conn) On(event string, h Handler) ListenerID {
	id := ListenerID(c.nextListener.Add(1))
	c.listenersMu.Lock()
	c.listeners[event] = append(c.listeners[event], listener{id: id, h: h})
	c.listenersMu.Unlock()
	return id
}

// Off 取消订阅
func (c *Conn) Off(event string, id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	ls := c.listeners[event]
	for i := range ls {
		if ls[i].id == id {
			c.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(c.listeners[event]) == 0 {
		delete(c.listeners, event)
	}
}

// Close 关闭连接
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil || c.err == ErrClosed {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("调试连接读取中断", "error", err)
			}
			c.shutdown(err)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("无法解析的协议消息", "error", err)
			continue
		}
		if msg.ID != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		if msg.Method != "" {
			c.inbox.push(Message{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID})
		}
	}
}

func (c *Conn) dispatchLoop() {
	for {
		msg, ok := c.inbox.pop(c.done)
		if !ok {
			return
		}
		c.dispatch(msg)
	}
}

// dispatch 先调用具体事件的订阅者，再调用 AnyEvent 订阅者
func (c *Conn) dispatch(msg Message) {
	c.listenersMu.RLock()
	specific := append([]listener(nil), c.listeners[msg.Method]...)
	wildcard := append([]listener(nil), c.listeners[AnyEvent]...)
	c.listenersMu.RUnlock()

	for _, l := range specific {
		l.h(msg)
	}
	for _, l := range wildcard {
		l.h(msg)
	}
}

// mailbox 无界事件队列，读协程写入永不阻塞
type mailbox struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop(done <-chan struct{}) (Message, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items[0] = Message{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return msg, true
		}
		m.mu.Unlock()
		select {
		case <-m.notify:
		case <-done:
			return Message{}, false
		}
	}
}
