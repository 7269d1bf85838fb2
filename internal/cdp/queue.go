package cdp

import (
	"context"
	"sync"

	"cdpnethar/pkg/domain"
)

type attachItem struct {
	target  domain.TargetSession
	waiting bool
}

// attachQueue 目标附加工作队列。每个 sessionId 至多入队一次，
// idle 通道在队列为空且没有处理中的条目时关闭。
type attachQueue struct {
	mu         sync.Mutex
	items      []attachItem
	seen       map[string]struct{}
	inFlight   int
	notify     chan struct{}
	stop       chan struct{}
	idle       chan struct{}
	idleClosed bool
	closed     bool
}

func newAttachQueue() *attachQueue {
	q := &attachQueue{
		seen:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		idle:   make(chan struct{}),
	}
	close(q.idle)
	q.idleClosed = true
	return q
}

// push 返回 false 表示重复会话或队列已关闭
func (q *attachQueue) push(it attachItem) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if sid := it.target.SessionID; sid != "" {
		if _, dup := q.seen[sid]; dup {
			q.mu.Unlock()
			return false
		}
		q.seen[sid] = struct{}{}
	}
	if q.idleClosed {
		q.idle = make(chan struct{})
		q.idleClosed = false
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop 阻塞直到取到条目，队列关闭或 ctx 结束时返回 false。
// 每次成功的 pop 必须对应一次 done。
func (q *attachQueue) pop(ctx context.Context) (attachItem, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return attachItem{}, false
		}
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.inFlight++
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.stop:
			return attachItem{}, false
		case <-ctx.Done():
			return attachItem{}, false
		}
	}
}

func (q *attachQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.maybeIdle()
}

// close 丢弃未处理条目并唤醒所有等待者
func (q *attachQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.stop)
	q.maybeIdle()
}

func (q *attachQueue) maybeIdle() {
	if !q.idleClosed && len(q.items) == 0 && q.inFlight == 0 {
		close(q.idle)
		q.idleClosed = true
	}
}

func (q *attachQueue) idleCh() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}
