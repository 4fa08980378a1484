package logging

import (
	"context"
	"log/slog"
)

// Context keys for common log fields.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"

	// ActorKey is the context key for actor identifiers.
	ActorKey contextKey = "actor"

	// GroupKey is the context key for group identifiers.
	GroupKey contextKey = "group"

	// ModelKey is the context key for model identifiers.
	ModelKey contextKey = "model"

	// ReservationKey is the context key for reservation handles.
	ReservationKey contextKey = "reservation"
)

// contextFields lists the keys in the order they are logged.
var contextFields = []contextKey{RequestIDKey, ActorKey, GroupKey, ModelKey, ReservationKey}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withField(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return field(ctx, RequestIDKey)
}

// WithActor adds an actor identifier to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return withField(ctx, ActorKey, actor)
}

// GetActor retrieves the actor identifier from the context.
func GetActor(ctx context.Context) string {
	return field(ctx, ActorKey)
}

// WithGroup adds a group identifier to the context.
func WithGroup(ctx context.Context, group string) context.Context {
	return withField(ctx, GroupKey, group)
}

// GetGroup retrieves the group identifier from the context.
func GetGroup(ctx context.Context) string {
	return field(ctx, GroupKey)
}

// WithModel adds a model identifier to the context.
func WithModel(ctx context.Context, model string) context.Context {
	return withField(ctx, ModelKey, model)
}

// GetModel retrieves the model identifier from the context.
func GetModel(ctx context.Context) string {
	return field(ctx, ModelKey)
}

// WithReservation adds a reservation handle to the context.
func WithReservation(ctx context.Context, handle string) context.Context {
	return withField(ctx, ReservationKey, handle)
}

// GetReservation retrieves the reservation handle from the context.
func GetReservation(ctx context.Context) string {
	return field(ctx, ReservationKey)
}

// WithRequest sets the actor, group and model fields at once. Empty values
// are skipped.
func WithRequest(ctx context.Context, actor, group, model string) context.Context {
	ctx = WithActor(ctx, actor)
	ctx = WithGroup(ctx, group)
	return WithModel(ctx, model)
}

func withField(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func field(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// contextAttrs extracts the context fields as slog attributes.
func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range contextFields {
		if v := field(ctx, key); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}
