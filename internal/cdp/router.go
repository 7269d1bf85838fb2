package cdp

import (
	"strings"
	"sync"

	"cdpnethar/internal/transport"
	"cdpnethar/pkg/domain"
)

const networkDomain = "Network"

// Listener 接收 Network 域事件
type Listener func(domain.NetworkEvent)

// eventRouter 订阅全部事件，只把 Network 域事件转给唯一观察者
type eventRouter struct {
	mu       sync.RWMutex
	observer Listener
}

// setObserver 后注册者覆盖先注册者
func (r *eventRouter) setObserver(l Listener) {
	r.mu.Lock()
	r.observer = l
	r.mu.Unlock()
}

func (r *eventRouter) route(msg transport.Message) {
	if domainOf(msg.Method) != networkDomain {
		return
	}
	r.mu.RLock()
	obs := r.observer
	r.mu.RUnlock()
	if obs == nil {
		return
	}
	obs(domain.NetworkEvent{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID})
}

// domainOf 返回事件名第一个 "." 之前的部分
func domainOf(method string) string {
	if i := strings.IndexByte(method, '.'); i >= 0 {
		return method[:i]
	}
	return method
}
