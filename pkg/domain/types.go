package domain

import (
	"encoding/json"
	"time"
)

type CaptureID string

// TargetType CDP 目标类型（Target.TargetInfo.type）
type TargetType string

const (
	TargetPage           TargetType = "page"
	TargetIframe         TargetType = "iframe"
	TargetServiceWorker  TargetType = "service_worker"
	TargetWorker         TargetType = "worker"
	TargetSharedWorker   TargetType = "shared_worker"
	TargetBackgroundPage TargetType = "background_page"
	TargetWebview        TargetType = "webview"
	TargetTab            TargetType = "tab"
	TargetBrowser        TargetType = "browser"
	TargetOther          TargetType = "other"
)

// TargetSession 一个已附加的执行上下文，SessionID 为空表示根（浏览器级）会话
type TargetSession struct {
	SessionID string     `json:"sessionId,omitempty"`
	Type      TargetType `json:"type"`
}

// NetworkEvent 经过路由分类后的 Network 域事件
type NetworkEvent struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// FilterOptions 单次捕获的请求过滤配置
type FilterOptions struct {
	IncludeHosts           []string `yaml:"includeHosts" json:"includeHosts,omitempty"`
	ExcludePaths           []string `yaml:"excludePaths" json:"excludePaths,omitempty"`
	ExcludeStatusCodes     []int    `yaml:"excludeStatusCodes" json:"excludeStatusCodes,omitempty"`
	MinStatusCodeToInclude *int     `yaml:"minStatusCodeToInclude" json:"minStatusCodeToInclude,omitempty"`
	IncludeMimes           []string `yaml:"includeMimes" json:"includeMimes,omitempty"`
	IncludeBlobs           *bool    `yaml:"includeBlobs" json:"includeBlobs,omitempty"`
	Content                *bool    `yaml:"content" json:"content,omitempty"`
}

// CaptureConfig 启动一次捕获所需的配置
type CaptureConfig struct {
	DevToolsURL   string        `json:"devToolsURL"`
	AttachWorkers int           `json:"attachWorkers"`
	BodyWorkers   int           `json:"bodyWorkers"`
	Filter        FilterOptions `json:"filter"`
	// MinIdle 大于 0 时，停止前等待网络空闲这么久，最多等待 MaxIdleWait
	MinIdle       time.Duration `json:"minIdle,omitempty"`
	MaxIdleWait   time.Duration `json:"maxIdleWait,omitempty"`
}

// CaptureStats 捕获统计
type CaptureStats struct {
	Seen     int64 `json:"seen"`
	Retained int64 `json:"retained"`
	Dropped  int64 `json:"dropped"`
	// Stored 停止时记录库中的条数
	Stored   int64 `json:"stored,omitempty"`
}
