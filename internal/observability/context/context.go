package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	paymentReferenceKey
)

// WithRequestID stores the inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithPaymentReference tags the context with the payment being worked on so
// poll loops and callbacks log under the same reference.
func WithPaymentReference(ctx context.Context, reference string) context.Context {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return ctx
	}
	return context.WithValue(ctx, paymentReferenceKey, reference)
}

func PaymentReferenceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(paymentReferenceKey).(string)
	return value
}
