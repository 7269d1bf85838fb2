package session

import (
	"errors"
	"sync"
	"time"

	"cdpnethar/internal/cdp"
	"cdpnethar/internal/handler"
	"cdpnethar/internal/logger"
	"cdpnethar/internal/transport"
	"cdpnethar/pkg/domain"
)

var (
	ErrNotFound = errors.New("capture not found")
	ErrExists   = errors.New("capture already exists")
)

// Browser 一条浏览器 CDP 连接
type Browser interface {
	transport.Client
	Close() error
}

// Capture 一次进行中的捕获：浏览器连接、附加编排与捕获管线
type Capture struct {
	ID        domain.CaptureID
	Config    domain.CaptureConfig
	StartedAt time.Time

	Conn     Browser
	Targets  *cdp.Manager
	Pipeline *handler.Handler
}

// Manager 进行中捕获的注册表
type Manager struct {
	mu       sync.RWMutex
	captures map[domain.CaptureID]*Capture
	log      logger.Logger
}

// NewManager 创建捕获注册表
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		captures: make(map[domain.CaptureID]*Capture),
		log:      l,
	}
}

// Add 注册捕获
func (m *Manager) Add(c *Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.captures[c.ID]; ok {
		return ErrExists
	}
	m.captures[c.ID] = c
	m.log.Info("登记捕获", "captureId", string(c.ID))
	return nil
}

// Get 获取捕获
func (m *Manager) Get(id domain.CaptureID) (*Capture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.captures[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Remove 注销并返回捕获
func (m *Manager) Remove(id domain.CaptureID) (*Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.captures, id)
	m.log.Info("注销捕获", "captureId", string(id))
	return c, nil
}

// List 返回所有进行中的捕获 ID
func (m *Manager) List() []domain.CaptureID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]domain.CaptureID, 0, len(m.captures))
	for id := range m.captures {
		ids = append(ids, id)
	}
	return ids
}
