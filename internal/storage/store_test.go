package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cdpnethar/internal/ctxkeys"
	"cdpnethar/internal/logger"
	"cdpnethar/pkg/domain"
	"cdpnethar/pkg/traffic"

	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{TablePrefix: "test_"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(id string) *traffic.Request {
	req := traffic.NewRequest(id, "https://example.com/api?x=1")
	req.SessionID = "S1"
	req.Method = "POST"
	req.ResourceType = "Fetch"
	req.Headers.Set("Content-Type", "application/json")
	req.HasPostData = true
	req.Body = `{"a":1}`
	req.StartedAt = time.Unix(1700000000, 0)
	req.Duration = 150 * time.Millisecond
	req.Response = traffic.NewResponse()
	req.Response.StatusCode = 201
	req.Response.MimeType = "application/json"
	req.Response.Headers.Set("Server", "nginx")
	req.Response.Body = "eyJvayI6dHJ1ZX0="
	req.Response.Base64Encoded = true
	req.EventSourceMessages = []traffic.EventSourceMessage{
		{Time: 1.5, EventName: "tick", EventID: "1", Data: "a"},
		{Time: 2.5, EventName: "tock", EventID: "2", Data: `{"quoted":"b"}`},
	}
	return req
}

func wsSample(id string) *traffic.Request {
	req := traffic.NewRequest(id, "wss://example.com/echo")
	req.Method = "GET"
	req.ResourceType = "WebSocket"
	req.Response = traffic.NewResponse()
	req.Response.StatusCode = 101
	req.WebSocketMessages = []traffic.WebSocketMessage{
		{Type: traffic.FrameSent, Time: 2.1, Opcode: 1, Data: "Hello Server!"},
		{Type: traffic.FrameReceived, Time: 2.2, Opcode: 2, Data: "AAEC"},
	}
	return req
}

func TestStore_WebSocketFrames(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.Save(ctx, "cap", wsSample("ws")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.List(ctx, "cap")
	if err != nil || len(got) != 1 {
		t.Fatalf("List = %v, %v", got, err)
	}
	frames := got[0].WebSocketMessages
	if len(frames) != 2 {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0] != (traffic.WebSocketMessage{Type: "request", Time: 2.1, Opcode: 1, Data: "Hello Server!"}) {
		t.Errorf("sent frame = %+v", frames[0])
	}
	if frames[1].Type != "response" || frames[1].Opcode != 2 || frames[1].Data != "AAEC" {
		t.Errorf("received frame = %+v", frames[1])
	}
	if got[0].StatusCode() != 101 {
		t.Errorf("status = %d", got[0].StatusCode())
	}
}

func TestStore_SaveList(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.Save(ctx, "cap1", sample("r1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	failed := traffic.NewRequest("r2", "https://down.example.com/")
	failed.ErrorText = "net::ERR_FAILED"
	if err := s.Writer("cap1").Save(ctx, failed); err != nil {
		t.Fatalf("Writer.Save: %v", err)
	}
	if err := s.Save(ctx, "cap2", sample("other")); err != nil {
		t.Fatal(err)
	}

	got, err := s.List(ctx, "cap1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r1" || got[1].ID != "r2" {
		t.Fatalf("List = %v", got)
	}

	r := got[0]
	if r.SessionID != "S1" || r.Method != "POST" || r.Body != `{"a":1}` || r.Headers.Get("content-type") != "application/json" {
		t.Errorf("request = %+v", r)
	}
	if r.Duration != 150*time.Millisecond || !r.StartedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("timing = %v %v", r.StartedAt, r.Duration)
	}
	if r.Response == nil || r.Response.StatusCode != 201 || !r.Response.Base64Encoded || r.Response.Headers.Get("server") != "nginx" {
		t.Errorf("response = %+v", r.Response)
	}
	if len(r.EventSourceMessages) != 2 || r.EventSourceMessages[1].Data != `{"quoted":"b"}` || r.EventSourceMessages[0].Time != 1.5 {
		t.Errorf("event source = %+v", r.EventSourceMessages)
	}
	if r.Parsed().Host != "example.com" {
		t.Errorf("parsed = %v", r.Parsed())
	}

	if got[1].Response != nil || got[1].ErrorText != "net::ERR_FAILED" {
		t.Errorf("failed request = %+v", got[1])
	}
}

func TestStore_Count(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(ctx, "cap", sample(id)); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := s.Count(ctx, "cap"); err != nil || n != 3 {
		t.Errorf("Count = %d, %v", n, err)
	}
	if n, err := s.Count(ctx, "missing"); err != nil || n != 0 {
		t.Errorf("Count unknown capture = %d, %v", n, err)
	}
}

func TestStore_Isolated(t *testing.T) {
	a, b := openTest(t), openTest(t)
	if err := a.Save(context.Background(), "cap", sample("x")); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.Count(context.Background(), "cap"); n != 0 {
		t.Errorf("separate stores share data: %d", n)
	}
}

func TestGormLogger_CaptureID(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger.NewWriter(&buf, zerolog.DebugLevel)).LogMode(gormlogger.Info)
	ctx := context.WithValue(context.Background(), ctxkeys.CaptureIDKey{}, domain.CaptureID("cap-9"))

	gl.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	gl.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT x", 0 }, errors.New("no such column"))

	out := buf.String()
	if !strings.Contains(out, "cap-9") || !strings.Contains(out, "SELECT 1") {
		t.Errorf("trace output = %s", out)
	}
	if !strings.Contains(out, "no such column") {
		t.Errorf("error not logged: %s", out)
	}

	buf.Reset()
	NewGormLogger(logger.NewWriter(&buf, zerolog.DebugLevel)).LogMode(gormlogger.Silent).
		Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	if buf.Len() != 0 {
		t.Errorf("silent logger wrote %s", buf.String())
	}
}
