package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one client connection
// or one in-flight system command.
type LogContext struct {
	ConnID     string    // accepted connection identifier
	ClientIP   string    // client IP address (without port)
	Operation  string    // read, write, read_proc, value, write_proc, ack
	SectorIdx  uint64    // sector index the operation targets
	WorkerID   uint8     // worker owning SectorIdx
	PeerRank   uint8     // remote process rank, for system commands
	MsgIdent   string    // UUID identifying the client operation in flight
	StartTime  time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a freshly accepted connection.
func NewLogContext(connID, clientIP string) *LogContext {
	return &LogContext{
		ConnID:    connID,
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithOperation returns a copy with the operation name set
func (lc *LogContext) WithOperation(operation string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Operation = operation
	}
	return clone
}

// WithSector returns a copy with sector/worker routing info set
func (lc *LogContext) WithSector(sectorIdx uint64, workerID uint8) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.SectorIdx = sectorIdx
		clone.WorkerID = workerID
	}
	return clone
}

// WithPeer returns a copy with the remote process rank set
func (lc *LogContext) WithPeer(peerRank uint8) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.PeerRank = peerRank
	}
	return clone
}

// WithMsgIdent returns a copy with the in-flight operation's UUID set
func (lc *LogContext) WithMsgIdent(msgIdent string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.MsgIdent = msgIdent
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
