package filter

import (
	"strings"

	"cdpnethar/pkg/traffic"
)

// HostFilter includeHosts 非空时只保留 host 命中任一模式的请求
type HostFilter struct{}

func (HostFilter) Apply(req *traffic.Request, o *Options) bool {
	if len(o.hosts) == 0 {
		return true
	}
	return anyMatch(o.hosts, req.Parsed().Host)
}

func (HostFilter) WouldApply(o *Options) bool { return len(o.hosts) > 0 }

func (HostFilter) String() string { return "host" }

// PathFilter excludePaths 非空时丢弃路径命中任一模式的请求
type PathFilter struct{}

func (PathFilter) Apply(req *traffic.Request, o *Options) bool {
	if len(o.paths) == 0 {
		return true
	}
	// 按保留百分号编码的路径匹配，与浏览器上报的 URL 一致
	path := req.Parsed().EscapedPath()
	if path == "" {
		path = "/"
	}
	return !anyMatch(o.paths, path)
}

func (PathFilter) WouldApply(o *Options) bool { return len(o.paths) > 0 }

func (PathFilter) String() string { return "path" }

// MimeFilter includeMimes 非空时只保留响应 MIME 在列表中的请求
type MimeFilter struct{}

func (MimeFilter) Apply(req *traffic.Request, o *Options) bool {
	if len(o.mimes) == 0 {
		return true
	}
	_, ok := o.mimes[mediaType(req.MimeType())]
	return ok
}

func (MimeFilter) WouldApply(o *Options) bool { return len(o.mimes) > 0 }

func (MimeFilter) String() string { return "mime" }

// StatusCodeExclusionFilter 丢弃状态码在 excludeStatusCodes 中的请求
type StatusCodeExclusionFilter struct{}

func (StatusCodeExclusionFilter) Apply(req *traffic.Request, o *Options) bool {
	if len(o.excluded) == 0 {
		return true
	}
	_, drop := o.excluded[req.StatusCode()]
	return !drop
}

func (StatusCodeExclusionFilter) WouldApply(o *Options) bool { return len(o.excluded) > 0 }

func (StatusCodeExclusionFilter) String() string { return "excludeStatusCodes" }

// MinStatusCodeFilter 只保留状态码不低于 minStatusCodeToInclude 的请求
type MinStatusCodeFilter struct{}

func (MinStatusCodeFilter) Apply(req *traffic.Request, o *Options) bool {
	if o.raw.MinStatusCodeToInclude == nil {
		return true
	}
	return req.StatusCode() >= *o.raw.MinStatusCodeToInclude
}

func (MinStatusCodeFilter) WouldApply(o *Options) bool { return o.raw.MinStatusCodeToInclude != nil }

func (MinStatusCodeFilter) String() string { return "minStatusCode" }

// BlobFilter includeBlobs 为 false 时丢弃 blob: 请求
type BlobFilter struct{}

func (BlobFilter) Apply(req *traffic.Request, o *Options) bool {
	if o.raw.IncludeBlobs == nil || *o.raw.IncludeBlobs {
		return true
	}
	return !strings.EqualFold(req.Parsed().Scheme, "blob")
}

func (BlobFilter) WouldApply(o *Options) bool {
	return o.raw.IncludeBlobs != nil && !*o.raw.IncludeBlobs
}

func (BlobFilter) String() string { return "blob" }

// ContentFilter content 为 false 时不附带响应体，不影响请求去留
type ContentFilter struct{}

func (ContentFilter) Apply(*traffic.Request, *Options) bool { return true }

func (ContentFilter) WouldApply(o *Options) bool {
	return o.raw.Content != nil && !*o.raw.Content
}

func (ContentFilter) String() string { return "content" }
