package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/target"
	"golang.org/x/sync/errgroup"

	"cdpnethar/internal/logger"
	"cdpnethar/internal/transport"
	"cdpnethar/pkg/domain"
)

const (
	methodSetAutoAttach         = "Target.setAutoAttach"
	methodNetworkEnable         = "Network.enable"
	methodSetCacheDisabled      = "Network.setCacheDisabled"
	methodRunIfWaiting          = "Runtime.runIfWaitingForDebugger"
	methodSecurityEnable        = "Security.enable"
	methodSecurityDisable       = "Security.disable"
	methodSetOverrideCertErrors = "Security.setOverrideCertificateErrors"
	methodHandleCertError       = "Security.handleCertificateError"
	methodGetRequestPostData    = "Network.getRequestPostData"
	methodGetResponseBody       = "Network.getResponseBody"
	eventAttachedToTarget       = "Target.attachedToTarget"
	eventCertificateError       = "Security.certificateError"
	eventRequestWillBeSent      = "Network.requestWillBeSent"
	eventWebSocketCreated       = "Network.webSocketCreated"
)

const (
	defaultAttachWorkers = 4
	abortTimeout         = 5 * time.Second
)

var (
	ErrAlreadyAttached = errors.New("capture already attached")
	ErrNotAttached     = errors.New("not attached")
)

// trafficTargets 会产生有意义网络流量、需要开启 Network 域的目标类型
var trafficTargets = map[domain.TargetType]bool{
	domain.TargetServiceWorker:  true,
	domain.TargetPage:           true,
	domain.TargetWorker:         true,
	domain.TargetBackgroundPage: true,
	domain.TargetWebview:        true,
	domain.TargetSharedWorker:   true,
}

// IsTrafficTarget 判断目标类型是否需要开启网络捕获
func IsTrafficTarget(t domain.TargetType) bool { return trafficTargets[t] }

// Config Manager 配置
type Config struct {
	Client  transport.Client
	Workers int
	Logger  logger.Logger
}

// Manager 目标附加编排器：递归附加浏览器目标树并在可产生流量的目标上开启网络捕获
type Manager struct {
	client  transport.Client
	workers int
	log     logger.Logger

	mu  sync.Mutex
	cur *captureSession
}

type subscription struct {
	event string
	id    transport.ListenerID
}

// captureSession 单次捕获拥有的全部可变状态，detach 后整体丢弃
type captureSession struct {
	ctx       context.Context
	cancel    context.CancelFunc
	registry  *sessionRegistry
	router    *eventRouter
	guard     *certificateGuard
	queue     *attachQueue
	listeners []subscription
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// New 创建编排器
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultAttachWorkers
	}
	return &Manager{client: cfg.Client, workers: cfg.Workers, log: cfg.Logger}
}

// AttachToTargets 开始捕获：安装证书守卫、开始会话追踪，然后从根目标递归附加。
// 任一命令失败都会撤销已安装的订阅并返回错误。
func (m *Manager) AttachToTargets(ctx context.Context, listener Listener) error {
	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return ErrAlreadyAttached
	}
	cctx, cancel := context.WithCancel(context.Background())
	cs := &captureSession{
		ctx:      cctx,
		cancel:   cancel,
		registry: newSessionRegistry(),
		router:   &eventRouter{},
		queue:    newAttachQueue(),
	}
	cs.guard = &certificateGuard{client: m.client, ctx: cctx, log: m.log}
	m.cur = cs
	m.mu.Unlock()

	m.log.Info("开始附加目标树", "workers", m.workers)

	cs.router.setObserver(listener)
	m.subscribe(cs, transport.AnyEvent, cs.router.route)
	m.subscribe(cs, eventAttachedToTarget, m.attachedHandler(cs))

	id, err := cs.guard.install(ctx)
	cs.listeners = append(cs.listeners, subscription{event: eventCertificateError, id: id})
	if err != nil {
		return m.abort(cs, fmt.Errorf("ignore certificate errors: %w", err))
	}

	m.subscribe(cs, eventRequestWillBeSent, cs.registry.observe)
	m.subscribe(cs, eventWebSocketCreated, cs.registry.observe)

	for i := 0; i < m.workers; i++ {
		cs.wg.Add(1)
		go m.runWorker(cs)
	}

	if err := m.attachTarget(ctx, domain.TargetSession{Type: domain.TargetBrowser}); err != nil {
		return m.abort(cs, err)
	}
	return nil
}

// DetachFromTargets 撤销所有订阅并关闭自动附加，未处于捕获状态时为空操作
func (m *Manager) DetachFromTargets(ctx context.Context) error {
	m.mu.Lock()
	cs := m.cur
	m.cur = nil
	m.mu.Unlock()
	if cs == nil {
		return nil
	}
	m.log.Info("分离目标树", "requests", cs.registry.len())
	return m.teardown(ctx, cs)
}

// Settle 等待附加队列清空，返回首个异步附加错误
func (m *Manager) Settle(ctx context.Context) error {
	cs := m.current()
	if cs == nil {
		return ErrNotAttached
	}
	select {
	case <-cs.queue.idleCh():
		return cs.firstErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err 返回首个异步附加错误
func (m *Manager) Err() error {
	if cs := m.current(); cs != nil {
		return cs.firstErr()
	}
	return nil
}

// Attached 是否处于捕获状态
func (m *Manager) Attached() bool { return m.current() != nil }

// SessionFor 返回请求所属会话，未知时 ok 为 false（应使用根会话）
func (m *Manager) SessionFor(requestID string) (string, bool) {
	cs := m.current()
	if cs == nil {
		return "", false
	}
	return cs.registry.lookup(requestID)
}

// GetRequestBody 在请求所属会话上获取请求体
func (m *Manager) GetRequestBody(ctx context.Context, requestID string) (*network.GetRequestPostDataReply, error) {
	sid, _ := m.SessionFor(requestID)
	raw, err := m.client.Send(ctx, methodGetRequestPostData, network.NewGetRequestPostDataArgs(network.RequestID(requestID)), sid)
	if err != nil {
		return nil, err
	}
	var reply network.GetRequestPostDataReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode %s: %w", methodGetRequestPostData, err)
	}
	return &reply, nil
}

// GetResponseBody 在请求所属会话上获取响应体
func (m *Manager) GetResponseBody(ctx context.Context, requestID string) (*network.GetResponseBodyReply, error) {
	sid, _ := m.SessionFor(requestID)
	raw, err := m.client.Send(ctx, methodGetResponseBody, network.NewGetResponseBodyArgs(network.RequestID(requestID)), sid)
	if err != nil {
		return nil, err
	}
	var reply network.GetResponseBodyReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode %s: %w", methodGetResponseBody, err)
	}
	return &reply, nil
}

func (m *Manager) current() *captureSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *Manager) subscribe(cs *captureSession, event string, h transport.Handler) {
	id := m.client.On(event, h)
	cs.listeners = append(cs.listeners, subscription{event: event, id: id})
}

// attachedHandler 每个 Target.attachedToTarget 事件都把新会话送入附加队列
func (m *Manager) attachedHandler(cs *captureSession) transport.Handler {
	return func(msg transport.Message) {
		var ev target.AttachedToTargetReply
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			m.log.Warn("attachedToTarget 事件解析失败", "error", err)
			return
		}
		it := attachItem{
			target: domain.TargetSession{
				SessionID: string(ev.SessionID),
				Type:      domain.TargetType(ev.TargetInfo.Type),
			},
			waiting: ev.WaitingForDebugger,
		}
		if !cs.queue.push(it) {
			m.log.Debug("忽略重复的附加事件", "session", it.target.SessionID)
			return
		}
		m.log.Debug("发现新目标", "session", it.target.SessionID, "type", it.target.Type, "url", ev.TargetInfo.URL)
	}
}

func (m *Manager) runWorker(cs *captureSession) {
	defer cs.wg.Done()
	for {
		it, ok := cs.queue.pop(cs.ctx)
		if !ok {
			return
		}
		err := m.attachTarget(cs.ctx, it.target)
		if it.waiting {
			err = errors.Join(err, m.resume(cs.ctx, it.target.SessionID))
		}
		if err != nil && cs.ctx.Err() == nil {
			cs.fail(err)
			m.log.Err(err, "附加子目标失败", "session", it.target.SessionID, "type", it.target.Type)
		}
		cs.queue.done()
	}
}

// attachTarget 对单个目标开启自动附加；可产生流量的目标同时开启 Network 域并禁用缓存
func (m *Manager) attachTarget(ctx context.Context, t domain.TargetSession) error {
	args := target.NewSetAutoAttachArgs(true, true).SetFlatten(true)
	if _, err := m.client.Send(ctx, methodSetAutoAttach, args, t.SessionID); err != nil {
		return fmt.Errorf("auto attach %s target %q: %w", t.Type, t.SessionID, err)
	}
	if !IsTrafficTarget(t.Type) {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := m.client.Send(gctx, methodNetworkEnable, network.NewEnableArgs(), t.SessionID)
		return err
	})
	g.Go(func() error {
		_, err := m.client.Send(gctx, methodSetCacheDisabled, network.NewSetCacheDisabledArgs(true), t.SessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("track network %s target %q: %w", t.Type, t.SessionID, err)
	}
	m.log.Debug("已开启网络捕获", "session", t.SessionID, "type", t.Type)
	return nil
}

func (m *Manager) resume(ctx context.Context, sessionID string) error {
	if _, err := m.client.Send(ctx, methodRunIfWaiting, nil, sessionID); err != nil {
		return fmt.Errorf("resume target %q: %w", sessionID, err)
	}
	return nil
}

// abort 撤销未完成的捕获，返回原始错误
func (m *Manager) abort(cs *captureSession, cause error) error {
	m.mu.Lock()
	if m.cur == cs {
		m.cur = nil
	}
	m.mu.Unlock()

	m.log.Err(cause, "附加目标树失败，撤销捕获")
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := m.teardown(ctx, cs); err != nil {
		m.log.Warn("撤销捕获时清理失败", "error", err)
	}
	return cause
}

func (m *Manager) teardown(ctx context.Context, cs *captureSession) error {
	for i := len(cs.listeners) - 1; i >= 0; i-- {
		m.client.Off(cs.listeners[i].event, cs.listeners[i].id)
	}
	cs.listeners = nil
	cs.router.setObserver(nil)

	cs.cancel()
	cs.queue.close()
	cs.wg.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cs.guard.disable(gctx) })
	g.Go(func() error {
		args := target.NewSetAutoAttachArgs(false, true).SetFlatten(true)
		if _, err := m.client.Send(gctx, methodSetAutoAttach, args, ""); err != nil {
			return fmt.Errorf("disable auto attach: %w", err)
		}
		return nil
	})
	err := g.Wait()
	cs.registry.clear()
	return err
}

func (cs *captureSession) fail(err error) {
	cs.errMu.Lock()
	defer cs.errMu.Unlock()
	if cs.err == nil {
		cs.err = err
	}
}

func (cs *captureSession) firstErr() error {
	cs.errMu.Lock()
	defer cs.errMu.Unlock()
	return cs.err
}
