package filter

import (
	"fmt"

	"cdpnethar/pkg/domain"
	"cdpnethar/pkg/traffic"
)

// All 全部过滤器
func All() []RequestFilter {
	return []RequestFilter{
		HostFilter{},
		PathFilter{},
		MimeFilter{},
		StatusCodeExclusionFilter{},
		MinStatusCodeFilter{},
		BlobFilter{},
		ContentFilter{},
	}
}

// Pipeline 请求过滤管线：请求被保留当且仅当所有生效过滤器都通过
type Pipeline struct {
	opts    *Options
	active  []RequestFilter
	content bool
}

// NewPipeline 编译配置并选出生效的过滤器
func NewPipeline(o domain.FilterOptions) (*Pipeline, error) {
	opts, err := Compile(o)
	if err != nil {
		return nil, fmt.Errorf("filter options: %w", err)
	}
	return NewPipelineWith(opts, All()...), nil
}

// NewPipelineWith 使用指定过滤器构造管线
func NewPipelineWith(opts *Options, filters ...RequestFilter) *Pipeline {
	p := &Pipeline{opts: opts, content: !(ContentFilter{}).WouldApply(opts)}
	for _, f := range filters {
		if f.WouldApply(opts) {
			p.active = append(p.active, f)
		}
	}
	return p
}

// Retain 判断请求是否保留，首个失败即短路
func (p *Pipeline) Retain(req *traffic.Request) bool {
	for _, f := range p.active {
		if !f.Apply(req, p.opts) {
			return false
		}
	}
	return true
}

// WouldApply 是否存在可能拒绝请求的过滤器
func (p *Pipeline) WouldApply() bool {
	for _, f := range p.active {
		if _, ok := f.(ContentFilter); !ok {
			return true
		}
	}
	return false
}

// IncludeContent 是否需要获取响应体
func (p *Pipeline) IncludeContent() bool { return p.content }

// Active 生效过滤器名称，用于诊断日志
func (p *Pipeline) Active() []string {
	names := make([]string, 0, len(p.active))
	for _, f := range p.active {
		names = append(names, fmt.Sprint(f))
	}
	return names
}

// Options 返回编译后的配置
func (p *Pipeline) Options() *Options { return p.opts }
