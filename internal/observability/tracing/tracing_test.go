package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRedactPhones(t *testing.T) {
	cases := map[string]string{
		"call 254712345678 now": "call ***678 now",
		"+254112345678":         "***678",
		"0712345678":            "***678",
		"no phone here":         "no phone here",
	}
	for in, want := range cases {
		if got := RedactPhones(in); got != want {
			t.Fatalf("RedactPhones(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("phone_number", "254712345678"),
		attribute.String("http.path", "/payments/254712345678"),
		attribute.Int("http.status_code", 200),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Value.AsString() != "/payments/***678" {
		t.Fatalf("expected redacted path, got %q", attrs[0].Value.AsString())
	}
}

func TestSafeErrorNil(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
	if got := SafeError(errors.New("bad 254712345678")).Error(); got != "bad ***678" {
		t.Fatalf("unexpected error text %q", got)
	}
}

func TestTransportRecordsClientSpanAndPropagates(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	}()

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := WrapHTTPClient(srv.Client(), "test")
	resp, err := client.Get(srv.URL + "/payments/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if traceparent == "" {
		t.Fatalf("expected traceparent header to be propagated")
	}
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "HTTP GET /payments/status" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
}

func TestGinMiddlewareTagsPaymentOnSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prevProvider)

	router := gin.New()
	router.Use(GinMiddleware())
	router.GET("/api/payments/status", func(c *gin.Context) {
		c.Set(ContextKeyPaymentReference, "PAY-5")
		c.Status(http.StatusOK)
	})
	router.POST("/payments/:id/retry", func(c *gin.Context) {
		c.Status(http.StatusBadGateway)
	})

	for _, target := range []struct{ method, path string }{
		{http.MethodGet, "/api/payments/status?checkout_request_id=ws_CO_1"},
		{http.MethodPost, "/payments/PAY-9/retry"},
	} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(target.method, target.path, nil))
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	status := spanAttributes(spans[0])
	if status["payment.reference"] != "PAY-5" || status["payment.checkout_request_id"] != "ws_CO_1" {
		t.Fatalf("unexpected status span attributes %v", status)
	}
	if spans[0].Name() != "HTTP GET /api/payments/status" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	retry := spanAttributes(spans[1])
	if retry["payment.reference"] != "PAY-9" {
		t.Fatalf("expected route id on retry span, got %v", retry)
	}
	if spans[1].Status().Code != codes.Error {
		t.Fatalf("expected error status for 502, got %v", spans[1].Status())
	}
}

func spanAttributes(span sdktrace.ReadOnlySpan) map[string]string {
	out := make(map[string]string)
	for _, attr := range span.Attributes() {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}
