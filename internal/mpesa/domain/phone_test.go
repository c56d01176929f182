package domain

import (
	"errors"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{in: "254712345678", want: "254712345678"},
		{in: "+254712345678", want: "254712345678"},
		{in: "0712345678", want: "254712345678"},
		{in: "0112 345 678", want: "254112345678"},
		{in: "712345678", want: "254712345678"},
		{in: "", err: ErrInvalidPhone},
		{in: "25471234567", err: ErrInvalidPhone},
		{in: "255712345678", err: ErrInvalidPhone},
		{in: "254812345678", err: ErrInvalidPhone},
		{in: "07123abc78", err: ErrInvalidPhone},
		{in: "2547123456\u0660", err: ErrInvalidPhone},
		{in: "254712\u0663\u0664\u0665", err: ErrInvalidPhone},
		{in: "\uff10712345678", err: ErrInvalidPhone},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizePhone(tc.in)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestStatusForResultCode(t *testing.T) {
	if got := StatusForResultCode(0); got != PaymentStatusSuccessful {
		t.Fatalf("expected SUCCESSFUL, got %s", got)
	}
	if got := StatusForResultCode(1032); got != PaymentStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got)
	}
	for _, code := range []int{1, 1037, 2001, 1019} {
		if got := StatusForResultCode(code); got != PaymentStatusFailed {
			t.Fatalf("code %d: expected FAILED, got %s", code, got)
		}
	}
}

func TestGatewayErrorKinds(t *testing.T) {
	netErr := NewNetworkError("status", errors.New("dial tcp: refused"))
	if !IsNetworkError(netErr) || IsGatewayError(netErr) {
		t.Fatalf("expected network error classification")
	}
	gwErr := NewGatewayError("status", 502, "upstream", "bad gateway")
	if !IsGatewayError(gwErr) || IsNetworkError(gwErr) {
		t.Fatalf("expected gateway error classification")
	}
	if IsValidationError(gwErr) {
		t.Fatalf("gateway error is not a validation error")
	}
}

func TestInvariantViolationMatchesSentinel(t *testing.T) {
	var err error = &InvariantViolation{Reference: "PAY1", From: "SUCCESSFUL", To: "FAILED"}
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected errors.Is to match ErrInvariantViolation")
	}
	if IsValidationError(err) {
		t.Fatalf("invariant violation must not be a validation error")
	}
}
