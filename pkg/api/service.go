package api

import (
	"context"

	"cdpnethar/internal/logger"
	"cdpnethar/internal/service"
	"cdpnethar/pkg/domain"
	"cdpnethar/pkg/traffic"
)

// Service 服务接口
type Service interface {
	// StartCapture 连接浏览器并开始捕获
	StartCapture(ctx context.Context, cfg domain.CaptureConfig) (domain.CaptureID, error)

	// Settle 等待目标附加完成
	Settle(ctx context.Context, id domain.CaptureID) error

	// StopCapture 停止捕获，返回最终统计
	StopCapture(ctx context.Context, id domain.CaptureID) (domain.CaptureStats, error)

	// Stats 进行中捕获的统计
	Stats(id domain.CaptureID) (domain.CaptureStats, error)

	// Entries 已保留的请求记录
	Entries(ctx context.Context, id domain.CaptureID) ([]*traffic.Request, error)

	// Close 停止全部捕获并释放资源
	Close(ctx context.Context) error
}

// NewService 创建并返回服务接口实现
func NewService(l logger.Logger, opts ...service.Option) Service {
	return service.New(l, opts...)
}
