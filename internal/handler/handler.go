package handler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	adapter "cdpnethar/internal/adapter/cdp"
	"cdpnethar/internal/filter"
	"cdpnethar/internal/logger"
	"cdpnethar/pkg/domain"
	"cdpnethar/pkg/traffic"

	"github.com/mafredri/cdp/protocol/network"
	"golang.org/x/sync/errgroup"
)

const (
	evRequestWillBeSent      = "Network.requestWillBeSent"
	evResponseReceived       = "Network.responseReceived"
	evLoadingFinished        = "Network.loadingFinished"
	evLoadingFailed          = "Network.loadingFailed"
	evWebSocketCreated       = "Network.webSocketCreated"
	evWebSocketHandshake     = "Network.webSocketWillSendHandshakeRequest"
	evWebSocketHandshakeResp = "Network.webSocketHandshakeResponseReceived"
	evWebSocketClosed        = "Network.webSocketClosed"
	evWebSocketFrameSent     = "Network.webSocketFrameSent"
	evWebSocketFrameReceived = "Network.webSocketFrameReceived"
	evEventSourceMessage     = "Network.eventSourceMessageReceived"
)

const (
	defaultBodyWorkers = 8
	bodyTimeout        = 10 * time.Second
	idlePoll           = 25 * time.Millisecond
)

// ErrClosed Flush 之后不再接收事件
var ErrClosed = errors.New("handler closed")

// BodySource 按请求 ID 获取请求体/响应体，调用方负责路由到所属会话
type BodySource interface {
	GetRequestBody(ctx context.Context, requestID string) (*network.GetRequestPostDataReply, error)
	GetResponseBody(ctx context.Context, requestID string) (*network.GetResponseBodyReply, error)
}

// Sink 保留下来的请求记录的去向
type Sink interface {
	Save(ctx context.Context, req *traffic.Request) error
}

// SessionResolver 查询请求所属的 CDP 会话
type SessionResolver func(requestID string) (string, bool)

// Config 配置选项
type Config struct {
	Pipeline    *filter.Pipeline
	Bodies      BodySource
	Sink        Sink
	Sessions    SessionResolver
	BodyWorkers int
	Logger      logger.Logger
}

// Handler 捕获管线：由 Network 事件组装请求记录，过滤后获取 body 并写入 Sink
type Handler struct {
	pipeline *filter.Pipeline
	bodies   BodySource
	sink     Sink
	sessions SessionResolver
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	inflight map[string]*traffic.Request
	closed   bool
	busy     sync.WaitGroup
	lastSeen time.Time

	seen, retained, dropped atomic.Int64
}

// New 创建捕获管线
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = filter.NewPipelineWith(filter.MustCompile(domain.FilterOptions{}), filter.All()...)
	}
	if cfg.BodyWorkers <= 0 {
		cfg.BodyWorkers = defaultBodyWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.SetLimit(cfg.BodyWorkers)
	return &Handler{
		pipeline: cfg.Pipeline,
		bodies:   cfg.Bodies,
		sink:     cfg.Sink,
		sessions: cfg.Sessions,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		group:    g,
		inflight: make(map[string]*traffic.Request),
		lastSeen: time.Now(),
	}
}

// HandleEvent 处理一条路由过来的 Network 事件，可直接作为 cdp.Listener 使用
func (h *Handler) HandleEvent(ev domain.NetworkEvent) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.lastSeen = time.Now()
	done, fetch := h.apply(ev)
	h.busy.Add(1)
	h.mu.Unlock()
	defer h.busy.Done()

	for _, req := range done {
		h.finalize(req, fetch)
	}
}

// apply 更新在途请求状态，返回已完成的请求；调用方持有 mu
func (h *Handler) apply(ev domain.NetworkEvent) (done []*traffic.Request, fetch bool) {
	id := adapter.RequestID(ev.Params)
	if id == "" {
		return nil, false
	}
	switch ev.Method {
	case evRequestWillBeSent:
		if prev, ok := h.inflight[id]; ok {
			// 重定向：上一跳携带 redirectResponse 结束，body 不可再取
			if res := adapter.RedirectResponse(ev.Params); res != nil {
				prev.Response = res
			}
			prev.Duration = adapter.Duration(prev.Timestamp, adapter.Timestamp(ev.Params))
			delete(h.inflight, id)
			done = append(done, prev)
		}
		req := adapter.ToRequest(ev.Params)
		req.SessionID = h.sessionOf(id, ev.SessionID)
		h.inflight[id] = req

	case evWebSocketCreated:
		if _, ok := h.inflight[id]; ok {
			return nil, false
		}
		req := adapter.ToWebSocketRequest(ev.Params)
		req.SessionID = h.sessionOf(id, ev.SessionID)
		h.inflight[id] = req

	case evWebSocketHandshake:
		if req, ok := h.inflight[id]; ok {
			adapter.ApplyHandshakeRequest(req, ev.Params)
		}

	case evResponseReceived, evWebSocketHandshakeResp:
		if req, ok := h.inflight[id]; ok {
			req.Response = adapter.ResponseOf(ev.Params)
		}

	case evWebSocketFrameSent, evWebSocketFrameReceived:
		if req, ok := h.inflight[id]; ok {
			typ := traffic.FrameReceived
			if ev.Method == evWebSocketFrameSent {
				typ = traffic.FrameSent
			}
			req.WebSocketMessages = append(req.WebSocketMessages, adapter.ToWebSocketFrame(ev.Params, typ))
		}

	case evEventSourceMessage:
		if req, ok := h.inflight[id]; ok {
			req.EventSourceMessages = append(req.EventSourceMessages, adapter.ToEventSourceMessage(ev.Params))
		}

	case evLoadingFinished:
		if req, ok := h.take(id); ok {
			req.Duration = adapter.Duration(req.Timestamp, adapter.Timestamp(ev.Params))
			return []*traffic.Request{req}, true
		}

	case evLoadingFailed:
		if req, ok := h.take(id); ok {
			req.ErrorText = adapter.ErrorText(ev.Params)
			req.Duration = adapter.Duration(req.Timestamp, adapter.Timestamp(ev.Params))
			return []*traffic.Request{req}, false
		}

	case evWebSocketClosed:
		if req, ok := h.take(id); ok {
			req.Duration = adapter.Duration(req.Timestamp, adapter.Timestamp(ev.Params))
			return []*traffic.Request{req}, false
		}
	}
	return done, false
}

func (h *Handler) take(id string) (*traffic.Request, bool) {
	req, ok := h.inflight[id]
	if ok {
		delete(h.inflight, id)
	}
	return req, ok
}

func (h *Handler) sessionOf(requestID, fallback string) string {
	if h.sessions != nil {
		if sid, ok := h.sessions(requestID); ok {
			return sid
		}
	}
	return fallback
}

// finalize 评估过滤管线，保留的请求异步补全 body 后写入 Sink
func (h *Handler) finalize(req *traffic.Request, fetch bool) {
	h.seen.Add(1)
	if !h.pipeline.Retain(req) {
		h.dropped.Add(1)
		h.log.Debug("请求被过滤", "requestId", req.ID, "url", req.URL, "status", req.StatusCode())
		return
	}
	h.retained.Add(1)

	needReq := fetch && req.HasPostData && req.Body == ""
	needRes := fetch && req.Response != nil && h.pipeline.IncludeContent()
	if h.bodies == nil || (!needReq && !needRes) {
		h.save(req)
		return
	}

	h.group.Go(func() error {
		ctx, cancel := context.WithTimeout(h.ctx, bodyTimeout)
		defer cancel()
		if needReq {
			if reply, err := h.bodies.GetRequestBody(ctx, req.ID); err != nil {
				h.log.Warn("获取请求体失败", "requestId", req.ID, "error", err)
			} else {
				req.Body = reply.PostData
			}
		}
		if needRes {
			// 浏览器可能已回收 body，失败时保留无 body 的记录
			if reply, err := h.bodies.GetResponseBody(ctx, req.ID); err != nil {
				h.log.Warn("获取响应体失败", "requestId", req.ID, "error", err)
			} else {
				req.Response.Body = reply.Body
				req.Response.Base64Encoded = reply.Base64Encoded
			}
		}
		h.save(req)
		return nil
	})
}

func (h *Handler) save(req *traffic.Request) {
	if h.sink == nil {
		return
	}
	if err := h.sink.Save(h.ctx, req); err != nil {
		h.log.Err(err, "保存请求记录失败", "requestId", req.ID)
	}
}

// WaitIdle 等待没有在途请求且 quiet 时间内无新事件，受 ctx 约束
func (h *Handler) WaitIdle(ctx context.Context, quiet time.Duration) error {
	tick := time.NewTicker(idlePoll)
	defer tick.Stop()
	for {
		h.mu.Lock()
		idle := len(h.inflight) == 0 && time.Since(h.lastSeen) >= quiet
		h.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Close 丢弃在途请求并取消进行中的 body 获取，用于捕获启动失败时
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	clear(h.inflight)
	h.mu.Unlock()
	h.cancel()
}

// Flush 停止接收事件，结算仍在途且已有响应的请求（未关闭的 WebSocket、EventSource），
// 并等待 body 获取完成
func (h *Handler) Flush(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.closed = true
	pending := make([]*traffic.Request, 0, len(h.inflight))
	for id, req := range h.inflight {
		delete(h.inflight, id)
		if req.Response == nil {
			continue
		}
		pending = append(pending, req)
	}
	h.mu.Unlock()
	h.busy.Wait()

	for _, req := range pending {
		h.finalize(req, false)
	}

	done := make(chan struct{})
	go func() {
		_ = h.group.Wait()
		close(done)
	}()
	defer h.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats 捕获统计
func (h *Handler) Stats() domain.CaptureStats {
	return domain.CaptureStats{
		Seen:     h.seen.Load(),
		Retained: h.retained.Load(),
		Dropped:  h.dropped.Load(),
	}
}
