package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSuccessful PaymentStatus = "SUCCESSFUL"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
	PaymentStatusTimeout    PaymentStatus = "TIMEOUT"
)

func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSuccessful, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusTimeout:
		return true
	default:
		return false
	}
}

// Retryable reports whether a new attempt may be started from this status.
func (s PaymentStatus) Retryable() bool {
	switch s {
	case PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusTimeout:
		return true
	default:
		return false
	}
}

func ParsePaymentStatus(raw string) (PaymentStatus, bool) {
	switch status := PaymentStatus(normalizeEnum(raw)); status {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusSuccessful,
		PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusTimeout:
		return status, true
	default:
		return "", false
	}
}

type PaymentType string

const (
	PaymentTypeLoanRepayment      PaymentType = "LOAN_REPAYMENT"
	PaymentTypeLoanApplicationFee PaymentType = "LOAN_APPLICATION_FEE"
	PaymentTypePenaltyPayment     PaymentType = "PENALTY_PAYMENT"
	PaymentTypeOther              PaymentType = "OTHER"
)

// ParsePaymentType maps an empty value to OTHER.
func ParsePaymentType(raw string) (PaymentType, bool) {
	value := normalizeEnum(raw)
	if value == "" {
		return PaymentTypeOther, true
	}
	switch pt := PaymentType(value); pt {
	case PaymentTypeLoanRepayment, PaymentTypeLoanApplicationFee, PaymentTypePenaltyPayment, PaymentTypeOther:
		return pt, true
	default:
		return "", false
	}
}

type TimeoutSource string

const TimeoutSourceClient TimeoutSource = "client"

// Payment is one push-payment attempt.
type Payment struct {
	PaymentReference  string          `gorm:"primaryKey;type:text" json:"payment_reference"`
	ID                string          `gorm:"column:gateway_id;type:text;index" json:"id"`
	IntentID          snowflake.ID    `gorm:"not null;index" json:"intent_id"`
	CheckoutRequestID string          `gorm:"type:text;index" json:"checkout_request_id,omitempty"`
	MerchantRequestID string          `gorm:"type:text" json:"merchant_request_id,omitempty"`
	PhoneNumber       string          `gorm:"type:text;not null" json:"phone_number"`
	Amount            decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	PaymentType       PaymentType     `gorm:"type:text;not null" json:"payment_type"`
	Status            PaymentStatus   `gorm:"type:text;not null;index" json:"status"`

	AccountReference string `gorm:"type:text" json:"account_reference,omitempty"`
	Description      string `gorm:"type:text" json:"description,omitempty"`
	CustomerID       string `gorm:"type:text;index" json:"customer_id,omitempty"`
	LoanID           string `gorm:"type:text" json:"loan_id,omitempty"`
	RepaymentID      string `gorm:"type:text" json:"repayment_id,omitempty"`

	ResultCode         *int   `json:"result_code,omitempty"`
	ResultDescription  string `gorm:"type:text" json:"result_description,omitempty"`
	ErrorCode          string `gorm:"type:text" json:"error_code,omitempty"`
	ErrorMessage       string `gorm:"type:text" json:"error_message,omitempty"`
	MpesaReceiptNumber string `gorm:"type:text" json:"mpesa_receipt_number,omitempty"`

	RetryCount    int           `gorm:"not null;default:0" json:"retry_count"`
	TimeoutSource TimeoutSource `gorm:"type:text" json:"timeout_source,omitempty"`

	LateStatus     PaymentStatus `gorm:"type:text" json:"late_status,omitempty"`
	LateResultCode *int          `json:"late_result_code,omitempty"`
	LateResultAt   *time.Time    `json:"late_result_at,omitempty"`
	// ReconcileCheckedAt is when the gateway was last asked about a TIMEOUT.
	ReconcileCheckedAt *time.Time `gorm:"index" json:"-"`

	InitiatedAt time.Time  `gorm:"not null" json:"initiated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Payment) TableName() string { return "mpesa_payments" }

// Clone returns a copy that shares no pointers with p.
func (p Payment) Clone() Payment {
	out := p
	out.ResultCode = cloneInt(p.ResultCode)
	out.LateResultCode = cloneInt(p.LateResultCode)
	out.LateResultAt = cloneTime(p.LateResultAt)
	out.ReconcileCheckedAt = cloneTime(p.ReconcileCheckedAt)
	out.ProcessedAt = cloneTime(p.ProcessedAt)
	out.CompletedAt = cloneTime(p.CompletedAt)
	return out
}

type TransactionStatus string

const (
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusReversed  TransactionStatus = "REVERSED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

func ParseTransactionStatus(raw string) (TransactionStatus, bool) {
	switch status := TransactionStatus(normalizeEnum(raw)); status {
	case TransactionStatusCompleted, TransactionStatusReversed, TransactionStatusFailed:
		return status, true
	default:
		return "", false
	}
}

// Transaction is a gateway-confirmed payment.
type Transaction struct {
	MpesaReceiptNumber string            `gorm:"primaryKey;type:text" json:"mpesa_receipt_number"`
	TransactionID      string            `gorm:"type:text;index" json:"transaction_id"`
	PaymentReference   string            `gorm:"type:text;index" json:"payment_reference"`
	PhoneNumber        string            `gorm:"type:text" json:"phone_number"`
	Amount             decimal.Decimal   `gorm:"type:numeric(18,2);not null" json:"amount"`
	TransactionType    string            `gorm:"type:text" json:"transaction_type,omitempty"`
	Status             TransactionStatus `gorm:"type:text;not null" json:"status"`
	ReversalReason     string            `gorm:"type:text" json:"reversal_reason,omitempty"`
	ReversedAt         *time.Time        `json:"reversed_at,omitempty"`
	TransactionDate    time.Time         `json:"transaction_date"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func (Transaction) TableName() string { return "mpesa_transactions" }

func (t Transaction) Clone() Transaction {
	out := t
	out.ReversedAt = cloneTime(t.ReversedAt)
	return out
}

// PaymentSummary is derived from the payment and transaction collections and
// never mutated in place.
type PaymentSummary struct {
	WindowDays         int                        `json:"window_days"`
	TotalPayments      int64                      `json:"total_payments"`
	SuccessfulPayments int64                      `json:"successful_payments"`
	FailedPayments     int64                      `json:"failed_payments"`
	PendingPayments    int64                      `json:"pending_payments"`
	CancelledPayments  int64                      `json:"cancelled_payments"`
	TimeoutPayments    int64                      `json:"timeout_payments"`
	SuccessRate        float64                    `json:"success_rate"`
	TotalAmount        decimal.Decimal            `json:"total_amount"`
	AverageAmount      decimal.Decimal            `json:"average_amount"`
	DailyBuckets       []DailyBucket              `json:"daily_buckets"`
	TypeDistribution   map[PaymentType]TypeBucket `json:"type_distribution"`
	GeneratedAt        time.Time                  `json:"generated_at"`
}

type DailyBucket struct {
	Date   string          `json:"date"`
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type TypeBucket struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

func (s PaymentSummary) Clone() PaymentSummary {
	out := s
	out.DailyBuckets = append([]DailyBucket(nil), s.DailyBuckets...)
	if s.TypeDistribution != nil {
		out.TypeDistribution = make(map[PaymentType]TypeBucket, len(s.TypeDistribution))
		for k, v := range s.TypeDistribution {
			out.TypeDistribution[k] = v
		}
	}
	return out
}

// Page follows the {count, next, previous, results} envelope.
type Page[T any] struct {
	Count    int64   `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// CallbackRecord keeps the raw asynchronous notification as received.
type CallbackRecord struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	CheckoutRequestID string         `gorm:"type:text;index" json:"checkout_request_id"`
	MerchantRequestID string         `gorm:"type:text" json:"merchant_request_id"`
	ResultCode        int            `json:"result_code"`
	Payload           datatypes.JSON `gorm:"not null" json:"payload"`
	ReceivedAt        time.Time      `gorm:"not null" json:"received_at"`
	Outcome           string         `gorm:"type:text" json:"outcome"`
}

func (CallbackRecord) TableName() string { return "mpesa_callbacks" }

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
