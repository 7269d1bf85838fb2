// Package transporttest 提供记录命令的 transport.Client 测试替身
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"cdpnethar/internal/transport"
)

// Call 一次已发送的命令
type Call struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// Param 解析参数中的单个字段
func (c Call) Param(key string) any {
	var m map[string]any
	if len(c.Params) == 0 || json.Unmarshal(c.Params, &m) != nil {
		return nil
	}
	return m[key]
}

type entry struct {
	id transport.ListenerID
	h  transport.Handler
}

// Fake 同步派发事件的内存客户端
type Fake struct {
	mu        sync.Mutex
	calls     []Call
	errs      map[string]error
	results   map[string]json.RawMessage
	listeners map[string][]entry
	next      transport.ListenerID
	hook      func(Call)
}

// New 创建测试客户端
func New() *Fake {
	return &Fake{
		errs:      make(map[string]error),
		results:   make(map[string]json.RawMessage),
		listeners: make(map[string][]entry),
	}
}

// FailOn 令指定命令返回错误
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

// Reply 设置指定命令的返回结果
func (f *Fake) Reply(method string, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = json.RawMessage(result)
}

// OnSend 每次 Send 时回调，在记录之后、返回之前执行
func (f *Fake) OnSend(hook func(Call)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

func (f *Fake) Send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	c := Call{Method: method, Params: raw, SessionID: sessionID}

	f.mu.Lock()
	f.calls = append(f.calls, c)
	err := f.errs[method]
	res := f.results[method]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = json.RawMessage(`{}`)
	}
	return res, nil
}

func (f *Fake) On(event string, h transport.Handler) transport.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.listeners[event] = append(f.listeners[event], entry{id: f.next, h: h})
	return f.next
}

func (f *Fake) Off(event string, id transport.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls := f.listeners[event]
	for i := range ls {
		if ls[i].id == id {
			f.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(f.listeners[event]) == 0 {
		delete(f.listeners, event)
	}
}

// Emit 同步派发一个事件：先具体事件订阅者，再 AnyEvent 订阅者
func (f *Fake) Emit(method string, params any, sessionID string) {
	var raw json.RawMessage
	switch p := params.(type) {
	case nil:
	case string:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		raw = b
	}
	msg := transport.Message{Method: method, Params: raw, SessionID: sessionID}

	f.mu.Lock()
	specific := append([]entry(nil), f.listeners[method]...)
	wildcard := append([]entry(nil), f.listeners[transport.AnyEvent]...)
	f.mu.Unlock()

	for _, e := range specific {
		e.h(msg)
	}
	for _, e := range wildcard {
		e.h(msg)
	}
}

// Calls 返回全部已发送命令
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo 返回指定方法的已发送命令
func (f *Fake) CallsTo(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallsIn 返回发往指定会话的某方法命令
func (f *Fake) CallsIn(method, sessionID string) []Call {
	var out []Call
	for _, c := range f.CallsTo(method) {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// Listeners 返回指定事件的订阅数
func (f *Fake) Listeners(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[event])
}

// TotalListeners 返回全部订阅数
func (f *Fake) TotalListeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ls := range f.listeners {
		n += len(ls)
	}
	return n
}

// ResetCalls 清空命令记录
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
