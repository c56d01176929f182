package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "secret"}, srv.Client(), zap.NewNop(), nil, nil)
}

func TestInitiateSendsBodyAndHeaders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payments/stk-push" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("missing bearer token")
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Fatalf("missing idempotency key")
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing request id")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["phone_number"] != "254712345678" || body["amount"] != "500" {
			t.Fatalf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": 17,
			"payment_reference": "PAY-17",
			"checkout_request_id": "ws_CO_17",
			"merchant_request_id": "m-17",
			"phone_number": "254712345678",
			"amount": "500.00",
			"payment_type": "LOAN_REPAYMENT",
			"status": "PENDING",
			"retry_count": 0,
			"initiated_at": "2026-03-01T09:00:00Z"
		}`)
	})

	payment, err := client.Initiate(context.Background(), domain.InitiateRequest{
		PhoneNumber: "254712345678",
		Amount:      decimal.NewFromInt(500),
		PaymentType: domain.PaymentTypeLoanRepayment,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if payment.ID != "17" || payment.PaymentReference != "PAY-17" || payment.CheckoutRequestID != "ws_CO_17" {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if !payment.Amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected amount %s", payment.Amount)
	}
	if payment.Status != domain.PaymentStatusPending {
		t.Fatalf("unexpected status %s", payment.Status)
	}
}

func TestQueryStatusParsesResultCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("checkout_request_id"); got != "ws_CO_1" {
			t.Fatalf("unexpected checkout id %q", got)
		}
		_, _ = io.WriteString(w, `{"payment_reference":"PAY-1","amount":100,"status":"CANCELLED","result_code":"1032","result_description":"Request cancelled by user"}`)
	})

	payment, err := client.QueryStatus(context.Background(), domain.StatusQuery{CheckoutRequestID: "ws_CO_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if payment.ResultCode == nil || *payment.ResultCode != 1032 {
		t.Fatalf("expected result code 1032, got %v", payment.ResultCode)
	}
	if payment.PaymentType != domain.PaymentTypeOther {
		t.Fatalf("expected empty type to map to OTHER, got %s", payment.PaymentType)
	}
}

func TestQueryStatusRequiresIdentifier(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	})
	_, err := client.QueryStatus(context.Background(), domain.StatusQuery{})
	if !errors.Is(err, domain.ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestGatewayErrorCarriesStructuredBody(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		code    string
		message string
	}{
		{name: "code_message", body: `{"code":"insufficient_funds","message":"balance too low"}`, code: "insufficient_funds", message: "balance too low"},
		{name: "error_code_error", body: `{"error_code":400,"error":"bad phone"}`, code: "400", message: "bad phone"},
		{name: "detail_only", body: `{"detail":"Not found."}`, code: codeRequestFailed, message: "Not found."},
		{name: "not_json", body: `<html>oops</html>`, code: codeRequestFailed, message: "Bad Request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := client.Retry(context.Background(), "17", "")
			var gwErr *domain.GatewayError
			if !errors.As(err, &gwErr) {
				t.Fatalf("expected GatewayError, got %v", err)
			}
			if gwErr.Kind != domain.GatewayErrorGateway || gwErr.StatusCode != http.StatusBadRequest {
				t.Fatalf("unexpected error %+v", gwErr)
			}
			if gwErr.Code != tc.code || gwErr.Message != tc.message {
				t.Fatalf("expected %q/%q, got %q/%q", tc.code, tc.message, gwErr.Code, gwErr.Message)
			}
		})
	}
}

func TestNetworkErrorOnTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(Config{BaseURL: srv.URL, RequestTimeout: 20 * time.Millisecond}, srv.Client(), zap.NewNop(), nil, nil)
	_, err := client.QueryStatus(context.Background(), domain.StatusQuery{PaymentReference: "PAY-1"})
	if !domain.IsNetworkError(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded cause, got %v", err)
	}
}

func TestNetworkErrorOnUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(Config{BaseURL: url}, nil, zap.NewNop(), nil, nil)
	_, err := client.Summary(context.Background(), 30)
	if !domain.IsNetworkError(err) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestInvalidBodyIsGatewayError(t *testing.T) {
	cases := map[string]string{
		"missing_reference": `{"amount":"10","status":"PENDING"}`,
		"unknown_status":    `{"payment_reference":"P","amount":"10","status":"WEIRD"}`,
		"zero_amount":       `{"payment_reference":"P","amount":"0","status":"PENDING"}`,
		"bad_json":          `{"payment_reference":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := client.QueryStatus(context.Background(), domain.StatusQuery{PaymentReference: "P"})
			var gwErr *domain.GatewayError
			if !errors.As(err, &gwErr) || gwErr.Code != codeInvalidResponse {
				t.Fatalf("expected invalid_response gateway error, got %v", err)
			}
		})
	}
}

func TestHistoryEncodesFiltersAndPage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("customer_id") != "c-1" || q.Get("start_date") != "2026-01-01" || q.Get("min_amount") != "10" || q.Get("page") != "2" {
			t.Fatalf("unexpected query %v", q)
		}
		if q.Has("loan_id") {
			t.Fatalf("empty filters must be omitted")
		}
		_, _ = io.WriteString(w, `{"count":11,"next":"http://gw/payments/history?page=3","previous":null,"results":[
			{"payment_reference":"PAY-1","amount":"10","status":"SUCCESSFUL","payment_type":"OTHER","mpesa_receipt_number":"R1"}
		]}`)
	})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	minAmount := decimal.NewFromInt(10)
	page, err := client.History(context.Background(), domain.HistoryParams{
		CustomerID: "c-1",
		StartDate:  &start,
		MinAmount:  &minAmount,
		Page:       2,
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Count != 11 || len(page.Results) != 1 || page.Next == nil || page.Previous != nil {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestTransactionsAndReverse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transactions":
			_, _ = io.WriteString(w, `{"count":1,"next":null,"previous":null,"results":[
				{"transaction_id":5,"mpesa_receipt_number":"R1","payment":"PAY-1","amount":"10","status":"COMPLETED","transaction_date":"2026-03-01T10:00:00"}
			]}`)
		case "/transactions/R1/reverse":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["reason"] != "duplicate" {
				t.Fatalf("unexpected reason %q", body["reason"])
			}
			_, _ = io.WriteString(w, `{"transaction_id":"5","mpesa_receipt_number":"R1","amount":"10","status":"REVERSED","reversal_reason":"duplicate","reversed_at":"2026-03-02T08:00:00Z"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	page, err := client.Transactions(context.Background(), domain.TransactionParams{ReceiptNumber: "R1"})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if page.Results[0].PaymentReference != "PAY-1" || page.Results[0].TransactionID != "5" {
		t.Fatalf("unexpected transaction %+v", page.Results[0])
	}

	tx, err := client.Reverse(context.Background(), "R1", "duplicate")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if tx.Status != domain.TransactionStatusReversed || tx.ReversedAt == nil {
		t.Fatalf("unexpected reversal %+v", tx)
	}
}

func TestSummaryMapsTypeDistribution(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("days") != "7" {
			t.Fatalf("expected days=7")
		}
		_, _ = io.WriteString(w, `{"total_payments":4,"successful_payments":3,"failed_payments":1,"success_rate":75,
			"total_amount":"400","average_amount":"100",
			"daily_buckets":[{"date":"2026-03-01","count":4,"amount":"400"}],
			"type_distribution":{"LOAN_REPAYMENT":{"count":3,"amount":"300"},"OTHER":{"count":1,"amount":"100"}}}`)
	})

	summary, err := client.Summary(context.Background(), 7)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.WindowDays != 7 || summary.TotalPayments != 4 || summary.SuccessRate != 75 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := summary.TypeDistribution[domain.PaymentTypeLoanRepayment].Count; got != 3 {
		t.Fatalf("expected 3 loan repayments, got %d", got)
	}
}

func TestExportStreamsBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "xlsx" {
			t.Fatalf("expected xlsx format")
		}
		w.Header().Set("Content-Disposition", `attachment; filename="payments.xlsx"`)
		_, _ = io.WriteString(w, "binary-bytes")
	})

	file, err := client.Export(context.Background(), domain.ExportParams{Format: domain.ExportFormatXLSX})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer file.Body.Close()
	data, err := io.ReadAll(file.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "binary-bytes" || file.Filename != "payments.xlsx" {
		t.Fatalf("unexpected export %q %q", file.Filename, data)
	}
}

func TestRequestTimeoutClampedBelowPollInterval(t *testing.T) {
	interval := 3 * time.Second
	client := NewClient(Config{
		RequestTimeout: 2500 * time.Millisecond,
		PollInterval:   func() time.Duration { return interval },
	}, nil, zap.NewNop(), nil, nil)
	if got := client.RequestTimeout(); got != 2500*time.Millisecond {
		t.Fatalf("expected configured timeout, got %s", got)
	}

	interval = 2 * time.Second
	if got := client.RequestTimeout(); got >= interval {
		t.Fatalf("expected timeout below reloaded poll interval, got %s", got)
	}

	client = NewClient(Config{}, nil, zap.NewNop(), nil, nil)
	if got := client.RequestTimeout(); got != defaultRequestTimeout {
		t.Fatalf("expected default timeout, got %s", got)
	}
}
