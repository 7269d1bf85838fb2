package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdpnethar/internal/cdp"
	"cdpnethar/internal/filter"
	"cdpnethar/internal/handler"
	"cdpnethar/internal/logger"
	"cdpnethar/internal/session"
	"cdpnethar/internal/storage"
	"cdpnethar/internal/transport"
	"cdpnethar/pkg/domain"
	"cdpnethar/pkg/traffic"

	"github.com/google/uuid"
)

// DialFunc 建立到浏览器的 CDP 连接
type DialFunc func(ctx context.Context, devtoolsURL string, l logger.Logger) (session.Browser, error)

// Option 服务选项
type Option func(*Service)

// WithTablePrefix 设置记录表前缀
func WithTablePrefix(prefix string) Option {
	return func(s *Service) { s.prefix = prefix }
}

// WithDialer 替换默认的浏览器连接方式
func WithDialer(d DialFunc) Option {
	return func(s *Service) { s.dial = d }
}

// Service 捕获服务：管理浏览器连接、目标附加、过滤与记录存储
type Service struct {
	sessions *session.Manager
	log      logger.Logger
	dial     DialFunc
	prefix   string

	storeMu sync.Mutex
	store   *storage.Store
}

// New 创建服务
func New(l logger.Logger, opts ...Option) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Service{
		sessions: session.NewManager(l),
		log:      l,
		dial:     dialBrowser,
		prefix:   "cdpnethar_",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func dialBrowser(ctx context.Context, devtoolsURL string, l logger.Logger) (session.Browser, error) {
	wsURL, err := transport.Discover(ctx, devtoolsURL)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, wsURL, l)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// records 记录库在首次捕获时打开
func (s *Service) records() (*storage.Store, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if s.store != nil {
		return s.store, nil
	}
	st, err := storage.Open(storage.Options{TablePrefix: s.prefix, Logger: s.log})
	if err != nil {
		return nil, err
	}
	s.store = st
	return st, nil
}

// StartCapture 连接浏览器，附加全部目标并开始记录
func (s *Service) StartCapture(ctx context.Context, cfg domain.CaptureConfig) (domain.CaptureID, error) {
	pipeline, err := filter.NewPipeline(cfg.Filter)
	if err != nil {
		return "", err
	}
	store, err := s.records()
	if err != nil {
		return "", err
	}

	id := domain.CaptureID(uuid.NewString())
	l := s.log.With("captureId", string(id))

	conn, err := s.dial(ctx, cfg.DevToolsURL, l)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", cfg.DevToolsURL, err)
	}

	targets := cdp.New(cdp.Config{Client: conn, Workers: cfg.AttachWorkers, Logger: l})
	h := handler.New(handler.Config{
		Pipeline:    pipeline,
		Bodies:      targets,
		Sink:        store.Writer(id),
		Sessions:    targets.SessionFor,
		BodyWorkers: cfg.BodyWorkers,
		Logger:      l,
	})
	l.Info("过滤器已生效", "filters", pipeline.Active())

	if err := targets.AttachToTargets(ctx, h.HandleEvent); err != nil {
		h.Close()
		_ = conn.Close()
		return "", err
	}

	c := &session.Capture{
		ID:        id,
		Config:    cfg,
		StartedAt: time.Now(),
		Conn:      conn,
		Targets:   targets,
		Pipeline:  h,
	}
	if err := s.sessions.Add(c); err != nil {
		h.Close()
		_ = targets.DetachFromTargets(ctx)
		_ = conn.Close()
		return "", err
	}
	l.Info("捕获已开始")
	return id, nil
}

// Settle 等待一次捕获的目标附加收敛
func (s *Service) Settle(ctx context.Context, id domain.CaptureID) error {
	c, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return c.Targets.Settle(ctx)
}

// StopCapture 结束捕获：先结清在途请求与 body 获取，再分离目标并断开连接
func (s *Service) StopCapture(ctx context.Context, id domain.CaptureID) (domain.CaptureStats, error) {
	c, err := s.sessions.Remove(id)
	if err != nil {
		return domain.CaptureStats{}, err
	}
	if c.Config.MinIdle > 0 {
		s.waitIdle(ctx, c)
	}
	err = errors.Join(
		c.Pipeline.Flush(ctx),
		c.Targets.DetachFromTargets(ctx),
		c.Conn.Close(),
	)
	stats := c.Pipeline.Stats()
	if n, cerr := s.count(ctx, id); cerr != nil {
		err = errors.Join(err, cerr)
	} else {
		stats.Stored = n
	}
	s.log.Info("捕获已结束", "captureId", string(id), "seen", stats.Seen, "retained", stats.Retained, "dropped", stats.Dropped, "stored", stats.Stored, "elapsed", time.Since(c.StartedAt))
	return stats, err
}

// waitIdle 停止前等待网络安静下来，超时只记录告警
func (s *Service) waitIdle(ctx context.Context, c *session.Capture) {
	if c.Config.MaxIdleWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Config.MaxIdleWait)
		defer cancel()
	}
	if err := c.Pipeline.WaitIdle(ctx, c.Config.MinIdle); err != nil {
		s.log.Warn("网络未进入空闲", "captureId", string(c.ID), "minIdle", c.Config.MinIdle, "error", err)
	}
}

func (s *Service) count(ctx context.Context, id domain.CaptureID) (int64, error) {
	s.storeMu.Lock()
	store := s.store
	s.storeMu.Unlock()
	if store == nil {
		return 0, nil
	}
	return store.Count(ctx, id)
}

// Stats 进行中捕获的统计
func (s *Service) Stats(id domain.CaptureID) (domain.CaptureStats, error) {
	c, err := s.sessions.Get(id)
	if err != nil {
		return domain.CaptureStats{}, err
	}
	return c.Pipeline.Stats(), nil
}

// Entries 某次捕获已保存的记录，捕获结束后仍可读取
func (s *Service) Entries(ctx context.Context, id domain.CaptureID) ([]*traffic.Request, error) {
	s.storeMu.Lock()
	store := s.store
	s.storeMu.Unlock()
	if store == nil {
		return nil, nil
	}
	return store.List(ctx, id)
}

// Close 结束所有捕获并释放记录库
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for _, id := range s.sessions.List() {
		if _, err := s.StopCapture(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	return errors.Join(errs...)
}
