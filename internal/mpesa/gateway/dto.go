package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
)

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexInt accepts a JSON number, a numeric string or null.
type flexInt struct {
	Value *int
}

func (i *flexInt) UnmarshalJSON(data []byte) error {
	var raw flexString
	if err := raw.UnmarshalJSON(data); err != nil {
		return err
	}
	if raw == "" {
		i.Value = nil
		return nil
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("not an integer: %q", string(raw))
	}
	i.Value = &v
	return nil
}

// isoTime accepts RFC 3339, naive ISO-8601 timestamps and plain dates.
type isoTime struct {
	Value *time.Time
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func (t *isoTime) UnmarshalJSON(data []byte) error {
	var raw flexString
	if err := raw.UnmarshalJSON(data); err != nil {
		return err
	}
	if raw == "" {
		t.Value = nil
		return nil
	}
	for _, layout := range isoLayouts {
		if parsed, err := time.Parse(layout, string(raw)); err == nil {
			parsed = parsed.UTC()
			t.Value = &parsed
			return nil
		}
	}
	return fmt.Errorf("not an ISO-8601 time: %q", string(raw))
}

func (t isoTime) orZero() time.Time {
	if t.Value == nil {
		return time.Time{}
	}
	return *t.Value
}

type paymentDTO struct {
	ID                 flexString      `json:"id"`
	PaymentReference   string          `json:"payment_reference"`
	CheckoutRequestID  string          `json:"checkout_request_id"`
	MerchantRequestID  string          `json:"merchant_request_id"`
	PhoneNumber        string          `json:"phone_number"`
	Amount             decimal.Decimal `json:"amount"`
	PaymentType        string          `json:"payment_type"`
	Status             string          `json:"status"`
	ResultCode         flexInt         `json:"result_code"`
	ResultDescription  string          `json:"result_description"`
	ErrorCode          flexString      `json:"error_code"`
	ErrorMessage       string          `json:"error_message"`
	MpesaReceiptNumber string          `json:"mpesa_receipt_number"`
	AccountReference   string          `json:"account_reference"`
	Description        string          `json:"description"`
	CustomerID         flexString      `json:"customer_id"`
	LoanID             flexString      `json:"loan_id"`
	RepaymentID        flexString      `json:"repayment_id"`
	RetryCount         int             `json:"retry_count"`
	InitiatedAt        isoTime         `json:"initiated_at"`
	ProcessedAt        isoTime         `json:"processed_at"`
	CompletedAt        isoTime         `json:"completed_at"`
}

var (
	errMissingReference = errors.New("payment_reference missing")
	errNonPositive      = errors.New("amount must be positive")
)

func (d paymentDTO) toDomain() (domain.Payment, error) {
	reference := strings.TrimSpace(d.PaymentReference)
	if reference == "" {
		return domain.Payment{}, errMissingReference
	}
	status, ok := domain.ParsePaymentStatus(d.Status)
	if !ok {
		return domain.Payment{}, fmt.Errorf("unknown status %q", d.Status)
	}
	paymentType, ok := domain.ParsePaymentType(d.PaymentType)
	if !ok {
		return domain.Payment{}, fmt.Errorf("unknown payment_type %q", d.PaymentType)
	}
	if !d.Amount.IsPositive() {
		return domain.Payment{}, errNonPositive
	}
	if d.RetryCount < 0 {
		return domain.Payment{}, fmt.Errorf("negative retry_count %d", d.RetryCount)
	}
	return domain.Payment{
		ID:                 string(d.ID),
		PaymentReference:   reference,
		CheckoutRequestID:  strings.TrimSpace(d.CheckoutRequestID),
		MerchantRequestID:  strings.TrimSpace(d.MerchantRequestID),
		PhoneNumber:        strings.TrimSpace(d.PhoneNumber),
		Amount:             d.Amount,
		PaymentType:        paymentType,
		Status:             status,
		ResultCode:         d.ResultCode.Value,
		ResultDescription:  strings.TrimSpace(d.ResultDescription),
		ErrorCode:          string(d.ErrorCode),
		ErrorMessage:       strings.TrimSpace(d.ErrorMessage),
		MpesaReceiptNumber: strings.TrimSpace(d.MpesaReceiptNumber),
		AccountReference:   d.AccountReference,
		Description:        d.Description,
		CustomerID:         string(d.CustomerID),
		LoanID:             string(d.LoanID),
		RepaymentID:        string(d.RepaymentID),
		RetryCount:         d.RetryCount,
		InitiatedAt:        d.InitiatedAt.orZero(),
		ProcessedAt:        d.ProcessedAt.Value,
		CompletedAt:        d.CompletedAt.Value,
	}, nil
}

type transactionDTO struct {
	TransactionID      flexString      `json:"transaction_id"`
	MpesaReceiptNumber string          `json:"mpesa_receipt_number"`
	PaymentReference   string          `json:"payment_reference"`
	Payment            json.RawMessage `json:"payment"`
	PhoneNumber        string          `json:"phone_number"`
	Amount             decimal.Decimal `json:"amount"`
	TransactionType    string          `json:"transaction_type"`
	Status             string          `json:"status"`
	ReversalReason     string          `json:"reversal_reason"`
	ReversedAt         isoTime         `json:"reversed_at"`
	TransactionDate    isoTime         `json:"transaction_date"`
	CreatedAt          isoTime         `json:"created_at"`
}

func (d transactionDTO) toDomain() (domain.Transaction, error) {
	receipt := strings.TrimSpace(d.MpesaReceiptNumber)
	if receipt == "" {
		return domain.Transaction{}, errors.New("mpesa_receipt_number missing")
	}
	status, ok := domain.ParseTransactionStatus(d.Status)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("unknown status %q", d.Status)
	}
	if !d.Amount.IsPositive() {
		return domain.Transaction{}, errNonPositive
	}
	reference := strings.TrimSpace(d.PaymentReference)
	if reference == "" && len(d.Payment) > 0 {
		var ref flexString
		if err := json.Unmarshal(d.Payment, &ref); err == nil {
			reference = string(ref)
		}
	}
	return domain.Transaction{
		TransactionID:      string(d.TransactionID),
		MpesaReceiptNumber: receipt,
		PaymentReference:   reference,
		PhoneNumber:        strings.TrimSpace(d.PhoneNumber),
		Amount:             d.Amount,
		TransactionType:    strings.TrimSpace(d.TransactionType),
		Status:             status,
		ReversalReason:     strings.TrimSpace(d.ReversalReason),
		ReversedAt:         d.ReversedAt.Value,
		TransactionDate:    d.TransactionDate.orZero(),
		CreatedAt:          d.CreatedAt.orZero(),
	}, nil
}

type pageDTO[T any] struct {
	Count    int64   `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

func convertPage[T, D any](in pageDTO[D], convert func(D) (T, error)) (domain.Page[T], error) {
	out := domain.Page[T]{
		Count:    in.Count,
		Next:     in.Next,
		Previous: in.Previous,
		Results:  make([]T, 0, len(in.Results)),
	}
	for i, item := range in.Results {
		converted, err := convert(item)
		if err != nil {
			return domain.Page[T]{}, fmt.Errorf("results[%d]: %w", i, err)
		}
		out.Results = append(out.Results, converted)
	}
	if out.Count < int64(len(out.Results)) {
		return domain.Page[T]{}, fmt.Errorf("count %d below result size %d", out.Count, len(out.Results))
	}
	return out, nil
}

type bucketDTO struct {
	Date   string          `json:"date"`
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type typeBucketDTO struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type summaryDTO struct {
	TotalPayments      int64                    `json:"total_payments"`
	SuccessfulPayments int64                    `json:"successful_payments"`
	FailedPayments     int64                    `json:"failed_payments"`
	PendingPayments    int64                    `json:"pending_payments"`
	CancelledPayments  int64                    `json:"cancelled_payments"`
	TimeoutPayments    int64                    `json:"timeout_payments"`
	SuccessRate        float64                  `json:"success_rate"`
	TotalAmount        decimal.Decimal          `json:"total_amount"`
	AverageAmount      decimal.Decimal          `json:"average_amount"`
	DailyBuckets       []bucketDTO              `json:"daily_buckets"`
	TypeDistribution   map[string]typeBucketDTO `json:"type_distribution"`
}

func (d summaryDTO) toDomain(windowDays int, now time.Time) (domain.PaymentSummary, error) {
	if d.TotalPayments < 0 || d.SuccessRate < 0 || d.SuccessRate > 100 {
		return domain.PaymentSummary{}, errors.New("summary counters out of range")
	}
	out := domain.PaymentSummary{
		WindowDays:         windowDays,
		TotalPayments:      d.TotalPayments,
		SuccessfulPayments: d.SuccessfulPayments,
		FailedPayments:     d.FailedPayments,
		PendingPayments:    d.PendingPayments,
		CancelledPayments:  d.CancelledPayments,
		TimeoutPayments:    d.TimeoutPayments,
		SuccessRate:        d.SuccessRate,
		TotalAmount:        d.TotalAmount,
		AverageAmount:      d.AverageAmount,
		DailyBuckets:       make([]domain.DailyBucket, 0, len(d.DailyBuckets)),
		TypeDistribution:   make(map[domain.PaymentType]domain.TypeBucket, len(d.TypeDistribution)),
		GeneratedAt:        now,
	}
	for _, bucket := range d.DailyBuckets {
		out.DailyBuckets = append(out.DailyBuckets, domain.DailyBucket{
			Date:   strings.TrimSpace(bucket.Date),
			Count:  bucket.Count,
			Amount: bucket.Amount,
		})
	}
	for rawType, bucket := range d.TypeDistribution {
		paymentType, ok := domain.ParsePaymentType(rawType)
		if !ok {
			return domain.PaymentSummary{}, fmt.Errorf("unknown payment_type %q", rawType)
		}
		existing := out.TypeDistribution[paymentType]
		out.TypeDistribution[paymentType] = domain.TypeBucket{
			Count:  existing.Count + bucket.Count,
			Amount: existing.Amount.Add(bucket.Amount),
		}
	}
	return out, nil
}

// errorBody covers the shapes the gateway uses for failures.
type errorBody struct {
	Code      flexString      `json:"code"`
	ErrorCode flexString      `json:"error_code"`
	Message   string          `json:"message"`
	Error     json.RawMessage `json:"error"`
	Detail    string          `json:"detail"`
}

func (b errorBody) code() string {
	if b.Code != "" {
		return string(b.Code)
	}
	return string(b.ErrorCode)
}

func (b errorBody) message() string {
	if msg := strings.TrimSpace(b.Message); msg != "" {
		return msg
	}
	if len(b.Error) > 0 {
		var msg string
		if err := json.Unmarshal(b.Error, &msg); err == nil && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(b.Error, &nested); err == nil && strings.TrimSpace(nested.Message) != "" {
			return strings.TrimSpace(nested.Message)
		}
	}
	return strings.TrimSpace(b.Detail)
}
