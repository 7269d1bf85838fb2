package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"cdpnethar/internal/config"
	"cdpnethar/pkg/domain"
)

func TestParseFlags_Overrides(t *testing.T) {
	o, err := parseFlags([]string{
		"-devtools", "ws://127.0.0.1:9222/devtools/browser/x",
		"-include-host", `example\.com`,
		"-include-host", `api\.example\.org`,
		"-exclude-path", `^/health$`,
		"-exclude-status", "500, 502",
		"-min-status", "400",
		"-include-mime", "application/json,text/html",
		"-no-blobs",
		"-no-content",
		"-wait-idle", "750ms",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}

	cfg := config.NewConfig()
	cfg.Filter.ExcludePaths = []string{`^/from-file$`}
	if err := o.apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	f := cfg.Filter
	if cc := cfg.CaptureConfig(); cc.MinIdle != 750*time.Millisecond || cc.MaxIdleWait != 5*time.Second {
		t.Errorf("idle wait = %v / %v", cc.MinIdle, cc.MaxIdleWait)
	}
	if cfg.DevTools.URL != "ws://127.0.0.1:9222/devtools/browser/x" {
		t.Errorf("devtools = %q", cfg.DevTools.URL)
	}
	if len(f.IncludeHosts) != 2 || f.IncludeHosts[1] != `api\.example\.org` {
		t.Errorf("includeHosts = %v", f.IncludeHosts)
	}
	if len(f.ExcludePaths) != 1 || f.ExcludePaths[0] != `^/health$` {
		t.Errorf("excludePaths = %v", f.ExcludePaths)
	}
	if len(f.ExcludeStatusCodes) != 2 || f.ExcludeStatusCodes[1] != 502 {
		t.Errorf("excludeStatusCodes = %v", f.ExcludeStatusCodes)
	}
	if f.MinStatusCodeToInclude == nil || *f.MinStatusCodeToInclude != 400 {
		t.Errorf("minStatusCodeToInclude = %v", f.MinStatusCodeToInclude)
	}
	if len(f.IncludeMimes) != 2 {
		t.Errorf("includeMimes = %v", f.IncludeMimes)
	}
	if f.IncludeBlobs == nil || *f.IncludeBlobs || f.Content == nil || *f.Content {
		t.Errorf("blobs/content = %v %v", f.IncludeBlobs, f.Content)
	}
}

func TestParseFlags_KeepsFileValues(t *testing.T) {
	o, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.NewConfig()
	cfg.Filter.IncludeHosts = []string{"x"}
	if err := o.apply(cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Filter.IncludeHosts) != 1 || cfg.Filter.MinStatusCodeToInclude != nil || cfg.Filter.Content != nil {
		t.Errorf("filter = %+v", cfg.Filter)
	}
}

func TestParseStatuses(t *testing.T) {
	if _, err := parseStatuses("200,abc"); err == nil {
		t.Error("non-numeric status accepted")
	}
	if _, err := parseStatuses("42"); err == nil {
		t.Error("out of range status accepted")
	}
	got, err := parseStatuses("404,,500")
	if err != nil || len(got) != 2 {
		t.Errorf("parseStatuses = %v, %v", got, err)
	}
}

func TestRun_BadFlags(t *testing.T) {
	var stderr bytes.Buffer
	if code := run([]string{"-no-such-flag"}, io.Discard, &stderr); code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if code := run([]string{"-exclude-status", "fivehundred"}, io.Discard, &stderr); code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	summary(&buf, domain.CaptureStats{Seen: 5, Retained: 3, Dropped: 2, Stored: 3})
	out := buf.String()
	for _, want := range []string{"seen", " 5", "retained", "dropped", " 2", "stored", " 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary %q missing %q", out, want)
		}
	}
}
