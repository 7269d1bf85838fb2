package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cdpnethar/internal/config"
	"cdpnethar/internal/logger"
	"cdpnethar/internal/service"
	"cdpnethar/pkg/api"
	"cdpnethar/pkg/domain"

	"github.com/fatih/color"
)

const (
	settleTimeout = 10 * time.Second
	stopTimeout   = 30 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// listFlag 可重复的字符串参数，也接受逗号分隔
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

type options struct {
	configPath    string
	devtools      string
	duration      time.Duration
	waitIdle      time.Duration
	includeHosts  listFlag
	excludePaths  listFlag
	excludeStatus string
	minStatus     int
	includeMimes  listFlag
	noBlobs       bool
	noContent     bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("harrec", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "YAML config file")
	fs.StringVar(&o.devtools, "devtools", "", "DevTools HTTP endpoint or browser WebSocket URL")
	fs.DurationVar(&o.duration, "duration", 0, "stop after this long (0 waits for SIGINT/SIGTERM)")
	fs.DurationVar(&o.waitIdle, "wait-idle", 0, "before stopping, wait until the network has been idle this long")
	fs.Var(&o.includeHosts, "include-host", "keep only hosts matching this regexp (repeatable)")
	fs.Var(&o.excludePaths, "exclude-path", "drop paths matching this regexp (repeatable)")
	fs.StringVar(&o.excludeStatus, "exclude-status", "", "comma-separated status codes to drop")
	fs.IntVar(&o.minStatus, "min-status", 0, "keep only responses with status >= this value")
	fs.Var(&o.includeMimes, "include-mime", "keep only these response MIME types (repeatable)")
	fs.BoolVar(&o.noBlobs, "no-blobs", false, "drop blob: URLs")
	fs.BoolVar(&o.noContent, "no-content", false, "do not fetch response bodies")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

// apply 命令行参数覆盖配置文件
func (o *options) apply(c *config.Config) error {
	if o.devtools != "" {
		c.DevTools.URL = o.devtools
	}
	if o.waitIdle > 0 {
		c.Capture.MinIdleMS = int(o.waitIdle / time.Millisecond)
	}
	f := &c.Filter
	if len(o.includeHosts) > 0 {
		f.IncludeHosts = o.includeHosts
	}
	if len(o.excludePaths) > 0 {
		f.ExcludePaths = o.excludePaths
	}
	if len(o.includeMimes) > 0 {
		f.IncludeMimes = o.includeMimes
	}
	if o.excludeStatus != "" {
		codes, err := parseStatuses(o.excludeStatus)
		if err != nil {
			return err
		}
		f.ExcludeStatusCodes = codes
	}
	if o.minStatus > 0 {
		v := o.minStatus
		f.MinStatusCodeToInclude = &v
	}
	if o.noBlobs {
		v := false
		f.IncludeBlobs = &v
	}
	if o.noContent {
		v := false
		f.Content = &v
	}
	return nil
}

func parseStatuses(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 100 || n > 999 {
			return nil, fmt.Errorf("invalid status code %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "harrec: %v\n", err)
		return 2
	}
	if err := o.apply(cfg); err != nil {
		fmt.Fprintf(stderr, "harrec: %v\n", err)
		return 2
	}

	log := logger.New(cfg.LoggerOptions())
	svc := api.NewService(log, service.WithTablePrefix(cfg.Storage.Prefix))
	defer func() { _ = svc.Close(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := svc.StartCapture(ctx, cfg.CaptureConfig())
	if err != nil {
		log.Err(err, "启动捕获失败", "devtools", cfg.DevTools.URL)
		return 1
	}

	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	if err := svc.Settle(settleCtx, id); err != nil {
		log.Warn("目标附加未完成", "error", err)
	}
	cancel()

	color.New(color.FgCyan).Fprintf(stderr, "recording %s, press Ctrl+C to stop\n", id)
	wait := ctx.Done()
	if o.duration > 0 {
		t := time.NewTimer(o.duration)
		defer t.Stop()
		select {
		case <-wait:
		case <-t.C:
		}
	} else {
		<-wait
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stats, stopErr := svc.StopCapture(stopCtx, id)
	if stopErr != nil {
		log.Err(stopErr, "停止捕获出错", "captureId", string(id))
	}
	entries, err := svc.Entries(stopCtx, id)
	if err != nil {
		log.Err(err, "读取记录失败", "captureId", string(id))
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		log.Err(err, "输出记录失败")
		return 1
	}

	summary(stderr, stats)
	if stopErr != nil {
		return 1
	}
	return 0
}

func summary(w io.Writer, st domain.CaptureStats) {
	fmt.Fprintf(w, "%s %d  %s %d  %s %d  %s %d\n",
		color.New(color.FgWhite).Sprint("seen"), st.Seen,
		color.New(color.FgGreen).Sprint("retained"), st.Retained,
		color.New(color.FgYellow).Sprint("dropped"), st.Dropped,
		color.New(color.FgCyan).Sprint("stored"), st.Stored)
}
