package cdp

import (
	"sync"

	"github.com/tidwall/gjson"

	"cdpnethar/internal/transport"
)

// sessionRegistry 记录 requestId -> sessionId，首次写入后不再覆盖
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]string)}
}

// observe 从请求发起事件中记录会话归属
func (r *sessionRegistry) observe(msg transport.Message) {
	id := gjson.GetBytes(msg.Params, "requestId").String()
	if id == "" {
		return
	}
	r.record(id, msg.SessionID)
}

// record 返回 false 表示该请求已有归属
func (r *sessionRegistry) record(requestID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[requestID]; ok {
		return false
	}
	r.sessions[requestID] = sessionID
	return true
}

func (r *sessionRegistry) lookup(requestID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[requestID]
	return s, ok
}

func (r *sessionRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.sessions)
}

func (r *sessionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
