package domain

import (
	"errors"
	"fmt"
)

// Validation errors are returned synchronously, before any gateway call.
var (
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidPhone         = errors.New("invalid_phone_number")
	ErrInvalidPaymentType   = errors.New("invalid_payment_type")
	ErrInvalidReference     = errors.New("invalid_payment_reference")
	ErrInvalidReceipt       = errors.New("invalid_receipt_number")
	ErrReasonRequired       = errors.New("reversal_reason_required")
	ErrInvalidWindow        = errors.New("invalid_summary_window")
	ErrInvalidExportFormat  = errors.New("invalid_export_format")
	ErrInvalidPagination    = errors.New("invalid_pagination")
	ErrInvalidStatusFilter  = errors.New("invalid_status_filter")
	ErrInvalidCallback      = errors.New("invalid_callback")
	ErrRetryNotAllowed      = errors.New("retry_not_allowed")
	ErrRetryLimitReached    = errors.New("retry_limit_reached")
	ErrAlreadySettled       = errors.New("payment_already_settled")
	ErrReversalNotAllowed   = errors.New("reversal_not_allowed")
	ErrNotPollable          = errors.New("payment_not_pollable")
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrTransactionNotFound  = errors.New("transaction_not_found")
	ErrInvariantViolation   = errors.New("invariant_violation")
	ErrInvalidCallbackToken = errors.New("invalid_callback_token")
)

var validationErrors = []error{
	ErrInvalidAmount,
	ErrInvalidPhone,
	ErrInvalidPaymentType,
	ErrInvalidReference,
	ErrInvalidReceipt,
	ErrReasonRequired,
	ErrInvalidWindow,
	ErrInvalidExportFormat,
	ErrInvalidPagination,
	ErrInvalidStatusFilter,
	ErrInvalidCallback,
	ErrRetryNotAllowed,
	ErrRetryLimitReached,
	ErrAlreadySettled,
	ErrReversalNotAllowed,
	ErrNotPollable,
}

func IsValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type GatewayErrorKind string

const (
	GatewayErrorNetwork GatewayErrorKind = "network"
	GatewayErrorGateway GatewayErrorKind = "gateway"
)

// GatewayError is the single failure type surfaced by the gateway client.
type GatewayError struct {
	Kind       GatewayErrorKind
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	switch e.Kind {
	case GatewayErrorNetwork:
		return fmt.Sprintf("gateway %s: network error: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("gateway %s: %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

func NewNetworkError(op string, err error) *GatewayError {
	return &GatewayError{Kind: GatewayErrorNetwork, Op: op, Err: err}
}

func NewGatewayError(op string, statusCode int, code, message string) *GatewayError {
	return &GatewayError{Kind: GatewayErrorGateway, Op: op, StatusCode: statusCode, Code: code, Message: message}
}

func IsNetworkError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Kind == GatewayErrorNetwork
}

func IsGatewayError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Kind == GatewayErrorGateway
}

// InvariantViolation is a programming error: an illegal state transition.
type InvariantViolation struct {
	Reference string
	From      string
	To        string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s cannot move from %s to %s", e.Reference, e.From, e.To)
}

func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariantViolation
}
