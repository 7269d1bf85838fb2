package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cdpnethar/internal/logger"
	"cdpnethar/internal/session"
	"cdpnethar/internal/transport/transporttest"
	"cdpnethar/pkg/domain"
)

type fakeBrowser struct {
	*transporttest.Fake
	closed atomic.Bool
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeBrowser) {
	t.Helper()
	b := &fakeBrowser{Fake: transporttest.New()}
	b.Reply("Network.getResponseBody", `{"body":"<html></html>","base64Encoded":false}`)
	s := New(nil, WithTablePrefix("svc_"), WithDialer(func(context.Context, string, logger.Logger) (session.Browser, error) {
		return b, nil
	}))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, b
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_CaptureRoundTrip(t *testing.T) {
	s, b := newTestService(t)
	ctx := testCtx(t)

	id, err := s.StartCapture(ctx, domain.CaptureConfig{
		Filter: domain.FilterOptions{IncludeHosts: []string{`example\.com`}},
	})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	b.Emit("Target.attachedToTarget", `{"sessionId":"P1","targetInfo":{"targetId":"T1","type":"page"},"waitingForDebugger":true}`, "")
	if err := s.Settle(ctx, id); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(b.CallsIn("Network.enable", "P1")) != 1 {
		t.Error("network not enabled on page session")
	}

	b.Emit("Network.requestWillBeSent", `{"requestId":"1","request":{"url":"https://example.com/","method":"GET","headers":{}},"timestamp":1}`, "P1")
	b.Emit("Network.responseReceived", `{"requestId":"1","response":{"status":200,"mimeType":"text/html","headers":{}}}`, "P1")
	b.Emit("Network.loadingFinished", `{"requestId":"1","timestamp":2}`, "P1")

	b.Emit("Network.requestWillBeSent", `{"requestId":"2","request":{"url":"https://ads.other.net/px","method":"GET","headers":{}},"timestamp":1}`, "P1")
	b.Emit("Network.responseReceived", `{"requestId":"2","response":{"status":204,"headers":{}}}`, "P1")
	b.Emit("Network.loadingFinished", `{"requestId":"2","timestamp":2}`, "P1")

	if st, err := s.Stats(id); err != nil || st.Seen != 2 {
		t.Errorf("Stats = %+v, %v", st, err)
	}

	stats, err := s.StopCapture(ctx, id)
	if err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if stats.Retained != 1 || stats.Dropped != 1 || stats.Stored != 1 {
		t.Errorf("final stats = %+v", stats)
	}
	if !b.closed.Load() {
		t.Error("browser connection not closed")
	}

	fetches := b.CallsTo("Network.getResponseBody")
	if len(fetches) != 1 || fetches[0].SessionID != "P1" {
		t.Errorf("body fetches = %+v", fetches)
	}

	entries, err := s.Entries(ctx, id)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "https://example.com/" || entries[0].SessionID != "P1" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Response.Body != "<html></html>" {
		t.Errorf("body = %q", entries[0].Response.Body)
	}

	if _, err := s.Stats(id); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Stats after stop = %v, want ErrNotFound", err)
	}
}

func TestService_StopWaitsForIdle(t *testing.T) {
	s, b := newTestService(t)
	ctx := testCtx(t)

	id, err := s.StartCapture(ctx, domain.CaptureConfig{MinIdle: 30 * time.Millisecond, MaxIdleWait: 3 * time.Second})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	b.Emit("Target.attachedToTarget", `{"sessionId":"P1","targetInfo":{"targetId":"T1","type":"page"},"waitingForDebugger":false}`, "")
	if err := s.Settle(ctx, id); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	b.Emit("Network.requestWillBeSent", `{"requestId":"late","request":{"url":"https://example.com/late","method":"GET","headers":{}},"timestamp":1}`, "P1")
	go func() {
		time.Sleep(100 * time.Millisecond)
		b.Emit("Network.responseReceived", `{"requestId":"late","response":{"status":200,"headers":{}}}`, "P1")
		b.Emit("Network.loadingFinished", `{"requestId":"late","timestamp":2}`, "P1")
	}()

	stats, err := s.StopCapture(ctx, id)
	if err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if stats.Retained != 1 || stats.Stored != 1 {
		t.Errorf("stats = %+v, request finishing before idle should be kept", stats)
	}
}

func TestService_InvalidFilter(t *testing.T) {
	s, b := newTestService(t)
	_, err := s.StartCapture(testCtx(t), domain.CaptureConfig{
		Filter: domain.FilterOptions{ExcludePaths: []string{"("}},
	})
	if err == nil {
		t.Fatal("invalid pattern accepted")
	}
	if len(b.Calls()) != 0 {
		t.Errorf("commands sent before filter validation: %d", len(b.Calls()))
	}
}

func TestService_AttachFailureClosesConn(t *testing.T) {
	s, b := newTestService(t)
	b.FailOn("Security.enable", errors.New("boom"))
	if _, err := s.StartCapture(testCtx(t), domain.CaptureConfig{}); err == nil {
		t.Fatal("StartCapture succeeded with failing Security.enable")
	}
	if !b.closed.Load() {
		t.Error("connection left open after attach failure")
	}
	if b.TotalListeners() != 0 {
		t.Errorf("listeners left after failure: %d", b.TotalListeners())
	}
}

func TestService_UnknownCapture(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.StopCapture(testCtx(t), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("StopCapture = %v", err)
	}
	if err := s.Settle(testCtx(t), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Settle = %v", err)
	}
	if got, err := s.Entries(testCtx(t), "missing"); err != nil || len(got) != 0 {
		t.Errorf("Entries = %v, %v", got, err)
	}
}
