package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
)

func TestClassifyQueryError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: QueryErrorDeadline,
		},
		{
			name: "network",
			err:  domain.NewNetworkError("query_status", errors.New("connection refused")),
			want: QueryErrorNetwork,
		},
		{
			name: "network_deadline",
			err:  domain.NewNetworkError("query_status", context.DeadlineExceeded),
			want: QueryErrorDeadline,
		},
		{
			name: "gateway",
			err:  domain.NewGatewayError("query_status", 502, "bad_gateway", "upstream"),
			want: QueryErrorGateway,
		},
		{
			name: "invariant",
			err:  &domain.InvariantViolation{Reference: "PAY-1", From: "SUCCESSFUL", To: "FAILED"},
			want: QueryErrorInvariant,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: QueryErrorUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyQueryError(tc.err); got != tc.want {
				t.Fatalf("expected kind %q, got %q", tc.want, got)
			}
		})
	}
}

func TestLoopLifecycleCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newPollerMetrics(registry, Config{ServiceName: "stkpay", Environment: "test"})

	m.IncLoopStarted()
	m.IncAttempt()
	m.IncAttempt()
	m.ObserveLoopFinished(PollOutcomeTimeout, 60*time.Second)

	if got := testutil.ToFloat64(m.attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.loopsFinished.WithLabelValues(PollOutcomeTimeout)); got != 1 {
		t.Fatalf("expected 1 timeout loop, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeLoops); got != 0 {
		t.Fatalf("expected no active loops, got %v", got)
	}
}
