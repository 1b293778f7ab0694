package ctxkeys

// TraceIDKey 上下文中的追踪 ID 键
type TraceIDKey struct{}

// SessionIDKey 上下文中的会话 ID 键
type SessionIDKey struct{}
