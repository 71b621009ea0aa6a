package util

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const requestIDKey ctxKey = iota

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns "-" outside a request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return "-"
}

func NewRequestID() string {
	return uuid.NewString()
}

// RequestIDFrom keeps an inbound X-Request-ID when it is a UUID so traces
// can be joined across a proxy; anything else is replaced.
func RequestIDFrom(header string) string {
	if _, err := uuid.Parse(header); err == nil && len(header) == 36 {
		return header
	}
	return NewRequestID()
}

// Ctx returns the global logger tagged with the request id carried by ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := globalLog.With().Str("request_id", GetRequestID(ctx)).Logger()
	return &l
}
