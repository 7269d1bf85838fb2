package ctxkeys

// CaptureIDKey 上下文中的捕获 ID
type CaptureIDKey struct{}
