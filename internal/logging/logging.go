// Package logging configures slog for the coordinator and carries
// per-connection attributes through context.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdobak/go-xerrors"
)

// SecurityEvent represents a security-related event type
type SecurityEvent string

const (
	SecurityEventAuthFailed   SecurityEvent = "auth_failed"
	SecurityEventAuthRequired SecurityEvent = "auth_required"
	SecurityEventForbidden    SecurityEvent = "forbidden"
	SecurityEventRateLimited  SecurityEvent = "rate_limited"
)

// ConnAttrs holds safe connection context for logging
type ConnAttrs struct {
	ConnectionID string
	RemoteAddr   string
	UserID       string
	Role         string
}

type contextKey string

const connAttrsKey contextKey = "connAttrs"

// stackFrame represents a single frame in a stack trace
type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// Initialize sets up the global slog with the given level and format.
// Valid levels: debug, info, warn, error (defaults to info).
// Valid formats: json, text (defaults to json).
func Initialize(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger writing to w. Exposed so tests can capture output.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       decodeLogLevel(strings.ToLower(level)),
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// decodeLogLevel converts a string to slog.Level
func decodeLogLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// replaceAttr automatically formats errors with stack traces
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if err, ok := a.Value.Any().(error); ok {
			a.Value = fmtErr(err)
		}
	}
	return a
}

// marshalStack extracts stack frames from the error
func marshalStack(err error) []stackFrame {
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}

	frames := trace.Frames()
	s := make([]stackFrame, len(frames))

	for i, v := range frames {
		s[i] = stackFrame{
			Source: filepath.Join(
				filepath.Base(filepath.Dir(v.File)),
				filepath.Base(v.File),
			),
			Func: filepath.Base(v.Function),
			Line: v.Line,
		}
	}

	return s
}

// fmtErr returns a slog.Value with keys `msg` and `trace`
func fmtErr(err error) slog.Value {
	var groupValues []slog.Attr

	groupValues = append(groupValues, slog.String("msg", err.Error()))

	frames := marshalStack(err)
	if frames != nil {
		groupValues = append(groupValues, slog.Any("trace", frames))
	}

	return slog.GroupValue(groupValues...)
}

// WrapError wraps an error with a message and captures a stack trace.
// The original error stays reachable through errors.Is / errors.As.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return xerrors.WithStackTrace(fmt.Errorf("%s: %w", msg, err), 1)
}

// WithConnAttrs adds connection attributes to context
func WithConnAttrs(ctx context.Context, attrs *ConnAttrs) context.Context {
	return context.WithValue(ctx, connAttrsKey, attrs)
}

// GetConnAttrs retrieves connection attributes from context
func GetConnAttrs(ctx context.Context) *ConnAttrs {
	attrs, _ := ctx.Value(connAttrsKey).(*ConnAttrs)
	return attrs
}

// UpdateConnAttrs returns a context whose attributes carry the authenticated identity
func UpdateConnAttrs(ctx context.Context, userID, role string) context.Context {
	attrs := GetConnAttrs(ctx)
	if attrs == nil {
		attrs = &ConnAttrs{}
	}
	newAttrs := &ConnAttrs{
		ConnectionID: attrs.ConnectionID,
		RemoteAddr:   attrs.RemoteAddr,
		UserID:       userID,
		Role:         role,
	}
	return WithConnAttrs(ctx, newAttrs)
}

// ConnFields extracts slog attrs from context
func ConnFields(ctx context.Context) []any {
	attrs := GetConnAttrs(ctx)
	if attrs == nil {
		return nil
	}

	fields := []any{
		slog.String("conn_id", attrs.ConnectionID),
	}
	if attrs.RemoteAddr != "" {
		fields = append(fields, slog.String("remote", attrs.RemoteAddr))
	}
	if attrs.UserID != "" {
		fields = append(fields, slog.String("user_id", attrs.UserID))
	}
	if attrs.Role != "" {
		fields = append(fields, slog.String("role", attrs.Role))
	}

	return fields
}

// LogSecurityEvent logs a WARN-level security event with context
func LogSecurityEvent(ctx context.Context, event SecurityEvent, msg string, extra ...any) {
	fields := ConnFields(ctx)
	fields = append(fields, slog.String("security_event", string(event)))
	fields = append(fields, extra...)
	slog.WarnContext(ctx, msg, fields...)
}
