package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cdpnethar/internal/ctxkeys"
	"cdpnethar/internal/logger"
	"cdpnethar/pkg/domain"
	"cdpnethar/pkg/traffic"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// EntryRecord 一条保留下来的请求记录
type EntryRecord struct {
	ID              uint   `gorm:"primaryKey"`
	CaptureID       string `gorm:"index;not null"`
	RequestID       string `gorm:"index"`
	SessionID       string
	Method          string
	URL             string
	ResourceType    string
	RequestHeaders  string
	HasPostData     bool
	RequestBody     string
	Status          int
	StatusText      string
	MimeType        string
	ResponseHeaders string
	ResponseBody    string
	Base64Encoded   bool
	HasResponse     bool
	ErrorText       string
	EventSource     string
	WebSocket       string
	StartedAt       time.Time
	DurationNS      int64
	CreatedAt       time.Time
}

// Options 存储配置
type Options struct {
	// DSN 为空时使用独立的内存库
	DSN         string
	TablePrefix string
	Logger      logger.Logger
}

// Store 基于 GORM + SQLite 的内存记录库
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开记录库并迁移表结构
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.DSN == "" {
		opts.DSN = fmt.Sprintf("file:cdpnethar_%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:         NewGormLogger(opts.Logger).LogMode(gormlogger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.TablePrefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// 内存库只在连接存活期间存在，单连接保证所有操作看到同一份数据
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&EntryRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	opts.Logger.Debug("记录库已打开", "dsn", opts.DSN)
	return &Store{db: db, log: opts.Logger}, nil
}

// Save 保存一条请求记录
func (s *Store) Save(ctx context.Context, id domain.CaptureID, req *traffic.Request) error {
	rec, err := toRecord(id, req)
	if err != nil {
		return err
	}
	ctx = context.WithValue(ctx, ctxkeys.CaptureIDKey{}, id)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("save %s: %w", req.ID, err)
	}
	return nil
}

// List 按保存顺序返回某次捕获的全部记录
func (s *Store) List(ctx context.Context, id domain.CaptureID) ([]*traffic.Request, error) {
	var recs []EntryRecord
	ctx = context.WithValue(ctx, ctxkeys.CaptureIDKey{}, id)
	if err := s.db.WithContext(ctx).Where("capture_id = ?", string(id)).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", id, err)
	}
	out := make([]*traffic.Request, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

// Count 某次捕获的记录数
func (s *Store) Count(ctx context.Context, id domain.CaptureID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&EntryRecord{}).Where("capture_id = ?", string(id)).Count(&n).Error
	return n, err
}

// Close 关闭数据库，内存库随之释放
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Writer 返回绑定到某次捕获的写入器
func (s *Store) Writer(id domain.CaptureID) *Writer {
	return &Writer{store: s, id: id}
}

// Writer 将请求记录写入指定捕获
type Writer struct {
	store *Store
	id    domain.CaptureID
}

func (w *Writer) Save(ctx context.Context, req *traffic.Request) error {
	return w.store.Save(ctx, w.id, req)
}

func toRecord(id domain.CaptureID, req *traffic.Request) (*EntryRecord, error) {
	reqHeaders, err := json.Marshal(req.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode request headers: %w", err)
	}
	rec := &EntryRecord{
		CaptureID:      string(id),
		RequestID:      req.ID,
		SessionID:      req.SessionID,
		Method:         req.Method,
		URL:            req.URL,
		ResourceType:   req.ResourceType,
		RequestHeaders: string(reqHeaders),
		HasPostData:    req.HasPostData,
		RequestBody:    req.Body,
		ErrorText:      req.ErrorText,
		StartedAt:      req.StartedAt,
		DurationNS:     int64(req.Duration),
	}
	if res := req.Response; res != nil {
		resHeaders, err := json.Marshal(res.Headers)
		if err != nil {
			return nil, fmt.Errorf("encode response headers: %w", err)
		}
		rec.HasResponse = true
		rec.Status = res.StatusCode
		rec.StatusText = res.StatusText
		rec.MimeType = res.MimeType
		rec.ResponseHeaders = string(resHeaders)
		rec.ResponseBody = res.Body
		rec.Base64Encoded = res.Base64Encoded
	}
	if len(req.EventSourceMessages) > 0 {
		msgs := "[]"
		for _, m := range req.EventSourceMessages {
			if msgs, err = sjson.Set(msgs, "-1", m); err != nil {
				return nil, fmt.Errorf("encode event source: %w", err)
			}
		}
		rec.EventSource = msgs
	}
	if len(req.WebSocketMessages) > 0 {
		frames := "[]"
		for _, m := range req.WebSocketMessages {
			if frames, err = sjson.Set(frames, "-1", m); err != nil {
				return nil, fmt.Errorf("encode websocket frames: %w", err)
			}
		}
		rec.WebSocket = frames
	}
	return rec, nil
}

func fromRecord(rec *EntryRecord) *traffic.Request {
	req := traffic.NewRequest(rec.RequestID, rec.URL)
	req.SessionID = rec.SessionID
	req.Method = rec.Method
	req.ResourceType = rec.ResourceType
	req.HasPostData = rec.HasPostData
	req.Body = rec.RequestBody
	req.ErrorText = rec.ErrorText
	req.StartedAt = rec.StartedAt
	req.Duration = time.Duration(rec.DurationNS)
	_ = json.Unmarshal([]byte(rec.RequestHeaders), &req.Headers)

	if rec.HasResponse {
		res := traffic.NewResponse()
		res.StatusCode = rec.Status
		res.StatusText = rec.StatusText
		res.MimeType = rec.MimeType
		res.Body = rec.ResponseBody
		res.Base64Encoded = rec.Base64Encoded
		_ = json.Unmarshal([]byte(rec.ResponseHeaders), &res.Headers)
		req.Response = res
	}

	gjson.Parse(rec.EventSource).ForEach(func(_, m gjson.Result) bool {
		req.EventSourceMessages = append(req.EventSourceMessages, traffic.EventSourceMessage{
			Time:      m.Get("time").Float(),
			EventName: m.Get("eventName").String(),
			EventID:   m.Get("eventId").String(),
			Data:      m.Get("data").String(),
		})
		return true
	})
	gjson.Parse(rec.WebSocket).ForEach(func(_, m gjson.Result) bool {
		req.WebSocketMessages = append(req.WebSocketMessages, traffic.WebSocketMessage{
			Type:   m.Get("type").String(),
			Time:   m.Get("time").Float(),
			Opcode: int(m.Get("opcode").Int()),
			Data:   m.Get("data").String(),
		})
		return true
	})
	return req
}
