package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EmptyPath(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if c.DevTools.URL != "http://127.0.0.1:9222" {
		t.Errorf("default devtools url = %q", c.DevTools.URL)
	}
	if c.Capture.AttachWorkers != 4 {
		t.Errorf("default attach workers = %d", c.Capture.AttachWorkers)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harrec.yaml")
	content := []byte(`
devtools:
  url: ws://127.0.0.1:9222/devtools/browser/abc
filter:
  includeHosts: ["example\\.com"]
  excludeStatusCodes: [500, 502]
  minStatusCodeToInclude: 400
  includeBlobs: false
  content: false
log:
  level: debug
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DevTools.URL != "ws://127.0.0.1:9222/devtools/browser/abc" {
		t.Errorf("url = %q", c.DevTools.URL)
	}
	f := c.Filter
	if len(f.IncludeHosts) != 1 || f.IncludeHosts[0] != `example\.com` {
		t.Errorf("includeHosts = %v", f.IncludeHosts)
	}
	if len(f.ExcludeStatusCodes) != 2 {
		t.Errorf("excludeStatusCodes = %v", f.ExcludeStatusCodes)
	}
	if f.MinStatusCodeToInclude == nil || *f.MinStatusCodeToInclude != 400 {
		t.Errorf("minStatusCodeToInclude = %v", f.MinStatusCodeToInclude)
	}
	if f.IncludeBlobs == nil || *f.IncludeBlobs {
		t.Errorf("includeBlobs = %v", f.IncludeBlobs)
	}
	if f.Content == nil || *f.Content {
		t.Errorf("content = %v", f.Content)
	}
	if c.Log.Level != "debug" {
		t.Errorf("log level = %q", c.Log.Level)
	}
	if c.Capture.BodyWorkers != 8 {
		t.Errorf("body workers default lost: %d", c.Capture.BodyWorkers)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  attachWorkers: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestCaptureConfig_IdleWait(t *testing.T) {
	c := NewConfig()
	if cc := c.CaptureConfig(); cc.MinIdle != 0 || cc.MaxIdleWait != 5*time.Second {
		t.Errorf("default idle wait = %v / %v", cc.MinIdle, cc.MaxIdleWait)
	}

	path := filepath.Join(t.TempDir(), "idle.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  minIdleMS: 500\n  maxIdleWaitMS: 2000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cc := c.CaptureConfig(); cc.MinIdle != 500*time.Millisecond || cc.MaxIdleWait != 2*time.Second {
		t.Errorf("idle wait = %v / %v", cc.MinIdle, cc.MaxIdleWait)
	}

	bad := filepath.Join(t.TempDir(), "neg.yaml")
	if err := os.WriteFile(bad, []byte("capture:\n  minIdleMS: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("negative minIdleMS accepted")
	}
}
