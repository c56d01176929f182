package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/stkpay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ContextKeyPaymentReference is the gin key handlers set once they know which
// payment a request touched.
const ContextKeyPaymentReference = "payment_reference"

// GinMiddleware opens a server span per request and, once the handler has
// run, tags it with the payment the request touched.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withRequestBaggage(ctx)

		ctx, span := otel.Tracer("stkpay/http").Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + c.Request.Method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			attrs = append(attrs, attribute.String("request_id", requestID))
		}
		attrs = append(attrs, paymentAttributes(c)...)
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if last := c.Errors.Last(); last != nil {
				span.RecordError(SafeError(last.Err))
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// paymentAttributes prefers the reference a handler resolved over the one the
// caller supplied in the path or query.
func paymentAttributes(c *gin.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue

	reference := strings.TrimSpace(c.GetString(ContextKeyPaymentReference))
	if reference == "" {
		reference = strings.TrimSpace(c.Query("payment_reference"))
	}
	if reference == "" {
		reference = strings.TrimSpace(c.Param("id"))
	}
	if reference != "" {
		attrs = append(attrs, attribute.String("payment.reference", reference))
	}
	if checkout := strings.TrimSpace(c.Query("checkout_request_id")); checkout != "" {
		attrs = append(attrs, attribute.String("payment.checkout_request_id", checkout))
	}
	if receipt := strings.TrimSpace(c.Param("receipt_number")); receipt != "" {
		attrs = append(attrs, attribute.String("payment.receipt_number", receipt))
	}
	return attrs
}

func withRequestBaggage(ctx context.Context) context.Context {
	requestID := obscontext.RequestIDFromContext(ctx)
	if requestID == "" {
		return ctx
	}
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
