package domain

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the transport boundary to the payment gateway. It carries no
// retry logic and no state machine.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (Payment, error)
	QueryStatus(ctx context.Context, query StatusQuery) (Payment, error)
	Retry(ctx context.Context, paymentID string, phoneOverride string) (Payment, error)
	Reverse(ctx context.Context, receiptNumber string, reason string) (Transaction, error)
	History(ctx context.Context, params HistoryParams) (Page[Payment], error)
	Transactions(ctx context.Context, params TransactionParams) (Page[Transaction], error)
	Summary(ctx context.Context, windowDays int) (PaymentSummary, error)
	Export(ctx context.Context, params ExportParams) (*ExportFile, error)
}

type InitiateRequest struct {
	PhoneNumber      string          `json:"phone_number"`
	Amount           decimal.Decimal `json:"amount"`
	AccountReference string          `json:"account_reference,omitempty"`
	Description      string          `json:"description,omitempty"`
	CustomerID       string          `json:"customer_id,omitempty"`
	LoanID           string          `json:"loan_id,omitempty"`
	RepaymentID      string          `json:"repayment_id,omitempty"`
	PaymentType      PaymentType     `json:"payment_type,omitempty"`
}

type StatusQuery struct {
	PaymentReference  string
	CheckoutRequestID string
}

func (q StatusQuery) Empty() bool {
	return q.PaymentReference == "" && q.CheckoutRequestID == ""
}

type HistoryParams struct {
	CustomerID  string
	LoanID      string
	StartDate   *time.Time
	EndDate     *time.Time
	Status      PaymentStatus
	PaymentType PaymentType
	MinAmount   *decimal.Decimal
	MaxAmount   *decimal.Decimal
	Page        int
	PageSize    int
}

type TransactionParams struct {
	StartDate       *time.Time
	EndDate         *time.Time
	PhoneNumber     string
	ReceiptNumber   string
	Status          TransactionStatus
	TransactionType string
	Page            int
	PageSize        int
}

type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatXLSX ExportFormat = "xlsx"
	ExportFormatPDF  ExportFormat = "pdf"
)

func ParseExportFormat(raw string) (ExportFormat, bool) {
	switch f := ExportFormat(normalizeLower(raw)); f {
	case ExportFormatCSV, ExportFormatXLSX, ExportFormatPDF:
		return f, true
	case "":
		return ExportFormatCSV, true
	default:
		return "", false
	}
}

type ExportParams struct {
	Format  ExportFormat
	Filters HistoryParams
}

// ExportFile is a streamed download. The caller must close Body.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        io.ReadCloser
}
