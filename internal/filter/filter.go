package filter

import (
	"fmt"
	"regexp"
	"strings"

	"cdpnethar/pkg/domain"
	"cdpnethar/pkg/traffic"
)

// RequestFilter 单一维度的请求过滤谓词。
// 选项缺失时 WouldApply 为 false，Apply 恒为 true。
type RequestFilter interface {
	Apply(req *traffic.Request, opts *Options) bool
	WouldApply(opts *Options) bool
}

// Options 单次捕获的只读过滤配置快照，模式在构造时编译
type Options struct {
	raw      domain.FilterOptions
	hosts    []*regexp.Regexp
	paths    []*regexp.Regexp
	excluded map[int]struct{}
	mimes    map[string]struct{}
}

// Compile 编译过滤配置，非法正则立即返回错误
func Compile(o domain.FilterOptions) (*Options, error) {
	hosts, err := compileAll("includeHosts", o.IncludeHosts)
	if err != nil {
		return nil, err
	}
	paths, err := compileAll("excludePaths", o.ExcludePaths)
	if err != nil {
		return nil, err
	}
	opts := &Options{raw: o, hosts: hosts, paths: paths}
	if len(o.ExcludeStatusCodes) > 0 {
		opts.excluded = make(map[int]struct{}, len(o.ExcludeStatusCodes))
		for _, c := range o.ExcludeStatusCodes {
			opts.excluded[c] = struct{}{}
		}
	}
	if len(o.IncludeMimes) > 0 {
		opts.mimes = make(map[string]struct{}, len(o.IncludeMimes))
		for _, m := range o.IncludeMimes {
			opts.mimes[mediaType(m)] = struct{}{}
		}
	}
	return opts, nil
}

// MustCompile 同 Compile，出错时 panic
func MustCompile(o domain.FilterOptions) *Options {
	opts, err := Compile(o)
	if err != nil {
		panic(err)
	}
	return opts
}

func compileAll(field string, patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%s[%d] %q: %w", field, i, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// mediaType 去掉参数并转小写，"Application/JSON; charset=utf-8" -> "application/json"
func mediaType(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
