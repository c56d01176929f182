package domain

import (
	"context"
	"io"
)

// Service is the reconciliation coordinator. It owns every Payment and
// Transaction it tracks; callers only ever see snapshots.
type Service interface {
	InitiateAndTrack(ctx context.Context, req InitiateRequest) (Payment, error)
	QueryStatus(ctx context.Context, query StatusQuery) (Payment, error)
	RetryPayment(ctx context.Context, paymentID string, phoneOverride string) (Payment, error)
	ReverseTransaction(ctx context.Context, receiptNumber string, reason string) (Transaction, error)
	ComputeSummary(ctx context.Context, windowDays int) (PaymentSummary, error)
	History(ctx context.Context, params HistoryParams) (Page[Payment], error)
	Transactions(ctx context.Context, params TransactionParams) (Page[Transaction], error)
	ExportHistory(ctx context.Context, params ExportParams, w io.Writer) (ExportResult, error)
	HandleCallback(ctx context.Context, payload []byte) (CallbackResult, error)
	ReconcileTimeouts(ctx context.Context) (int, error)
	AwaitResult(ctx context.Context, reference string) (Payment, error)
}

type ExportResult struct {
	Filename    string
	ContentType string
	Bytes       int64
}

type CallbackOutcome string

const (
	CallbackApplied    CallbackOutcome = "applied"
	CallbackDuplicate  CallbackOutcome = "duplicate"
	CallbackLateResult CallbackOutcome = "late_result"
	CallbackUnknown    CallbackOutcome = "unknown_payment"
)

type CallbackResult struct {
	Outcome CallbackOutcome
	Payment *Payment
}
