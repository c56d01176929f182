package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/stkpay/internal/config"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/observability"
	"github.com/smallbiznis/stkpay/internal/ratelimit"
	"go.uber.org/zap"
)

type fakePaymentService struct {
	initiate     func(domain.InitiateRequest) (domain.Payment, error)
	status       func(domain.StatusQuery) (domain.Payment, error)
	retry        func(id, phone string) (domain.Payment, error)
	reverse      func(receipt, reason string) (domain.Transaction, error)
	history      func(domain.HistoryParams) (domain.Page[domain.Payment], error)
	transactions func(domain.TransactionParams) (domain.Page[domain.Transaction], error)
	export       func(domain.ExportParams, io.Writer) (domain.ExportResult, error)
	callback     func([]byte) (domain.CallbackResult, error)
	await        func(context.Context, string) (domain.Payment, error)
}

func (f *fakePaymentService) InitiateAndTrack(ctx context.Context, req domain.InitiateRequest) (domain.Payment, error) {
	return f.initiate(req)
}

func (f *fakePaymentService) QueryStatus(ctx context.Context, query domain.StatusQuery) (domain.Payment, error) {
	return f.status(query)
}

func (f *fakePaymentService) RetryPayment(ctx context.Context, paymentID string, phoneOverride string) (domain.Payment, error) {
	return f.retry(paymentID, phoneOverride)
}

func (f *fakePaymentService) ReverseTransaction(ctx context.Context, receiptNumber string, reason string) (domain.Transaction, error) {
	return f.reverse(receiptNumber, reason)
}

func (f *fakePaymentService) ComputeSummary(ctx context.Context, windowDays int) (domain.PaymentSummary, error) {
	if windowDays > 365 {
		return domain.PaymentSummary{}, domain.ErrInvalidWindow
	}
	return domain.PaymentSummary{WindowDays: windowDays}, nil
}

func (f *fakePaymentService) History(ctx context.Context, params domain.HistoryParams) (domain.Page[domain.Payment], error) {
	return f.history(params)
}

func (f *fakePaymentService) Transactions(ctx context.Context, params domain.TransactionParams) (domain.Page[domain.Transaction], error) {
	return f.transactions(params)
}

func (f *fakePaymentService) ExportHistory(ctx context.Context, params domain.ExportParams, w io.Writer) (domain.ExportResult, error) {
	return f.export(params, w)
}

func (f *fakePaymentService) HandleCallback(ctx context.Context, payload []byte) (domain.CallbackResult, error) {
	return f.callback(payload)
}

func (f *fakePaymentService) ReconcileTimeouts(ctx context.Context) (int, error) {
	return 0, nil
}

func (f *fakePaymentService) AwaitResult(ctx context.Context, reference string) (domain.Payment, error) {
	return f.await(ctx, reference)
}

func newTestServer(t *testing.T, svc *fakePaymentService, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := NewEngine(observability.Config{})
	NewServer(ServerParams{
		Gin: engine,
		Cfg: cfg,
		Log: zap.NewNop(),
		Svc: svc,
	})
	return engine
}

func doRequest(engine *gin.Engine, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestInitiatePaymentCreated(t *testing.T) {
	var got domain.InitiateRequest
	svc := &fakePaymentService{
		initiate: func(req domain.InitiateRequest) (domain.Payment, error) {
			got = req
			return domain.Payment{
				PaymentReference:  "PAY-1",
				CheckoutRequestID: "ws_CO_1",
				PhoneNumber:       "254712345678",
				Amount:            req.Amount,
				Status:            domain.PaymentStatusProcessing,
			}, nil
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodPost, "/api/payments/stk-push",
		[]byte(`{"phone_number":"0712345678","amount":"500.00","payment_type":"loan_repayment"}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !got.Amount.Equal(decimal.NewFromInt(500)) || got.PaymentType != "loan_repayment" {
		t.Fatalf("unexpected request passed to service: %+v", got)
	}

	var resp struct {
		Data domain.Payment `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Status != domain.PaymentStatusProcessing || resp.Data.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("unexpected payment: %+v", resp.Data)
	}
}

func TestInitiatePaymentValidationError(t *testing.T) {
	svc := &fakePaymentService{
		initiate: func(domain.InitiateRequest) (domain.Payment, error) {
			return domain.Payment{}, domain.ErrInvalidPhone
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodPost, "/api/payments/stk-push", []byte(`{"phone_number":"1","amount":10}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	payload := decodeError(t, rec)
	if payload.Type != "validation_error" || len(payload.Errors) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Errors[0].Code != "invalid_phone_number" || payload.Errors[0].Field != "phone_number" {
		t.Fatalf("unexpected validation error: %+v", payload.Errors[0])
	}

	rec = doRequest(engine, http.MethodPost, "/api/payments/stk-push", []byte(`{not json`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"retry not allowed", domain.ErrRetryNotAllowed, http.StatusBadRequest, "validation_error"},
		{"not found", domain.ErrPaymentNotFound, http.StatusNotFound, "not_found"},
		{"rate limited", fmt.Errorf("%w: retry after 20s", ratelimit.ErrRateLimited), http.StatusTooManyRequests, "rate_limited"},
		{"network", domain.NewNetworkError("retry", errors.New("connection refused")), http.StatusBadGateway, "gateway_unreachable"},
		{"network timeout", domain.NewNetworkError("retry", context.DeadlineExceeded), http.StatusGatewayTimeout, "gateway_timeout"},
		{"gateway", domain.NewGatewayError("retry", 422, "bad_phone", "phone not registered"), http.StatusBadGateway, "gateway_error"},
		{"invariant", &domain.InvariantViolation{Reference: "PAY-1", From: "SUCCESSFUL", To: "FAILED"}, http.StatusInternalServerError, "invariant_violation"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakePaymentService{
				retry: func(string, string) (domain.Payment, error) { return domain.Payment{}, tc.err },
			}
			engine := newTestServer(t, svc, config.Config{})
			rec := doRequest(engine, http.MethodPost, "/api/payments/PAY-1/retry", nil, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if payload := decodeError(t, rec); payload.Type != tc.typ {
				t.Fatalf("expected type %s, got %+v", tc.typ, payload)
			}
		})
	}
}

func TestRetryPaymentPassesOverride(t *testing.T) {
	var gotID, gotPhone string
	svc := &fakePaymentService{
		retry: func(id, phone string) (domain.Payment, error) {
			gotID, gotPhone = id, phone
			return domain.Payment{PaymentReference: "PAY-2", RetryCount: 1, Status: domain.PaymentStatusProcessing}, nil
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodPost, "/api/payments/gw-1/retry", []byte(`{"phone_number":"0722000111"}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotID != "gw-1" || gotPhone != "0722000111" {
		t.Fatalf("unexpected retry args: %q %q", gotID, gotPhone)
	}
}

func TestGetPaymentStatusRequiresIdentifier(t *testing.T) {
	svc := &fakePaymentService{
		status: func(q domain.StatusQuery) (domain.Payment, error) {
			return domain.Payment{PaymentReference: "PAY-1", CheckoutRequestID: q.CheckoutRequestID, Status: domain.PaymentStatusTimeout}, nil
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	if rec := doRequest(engine, http.MethodGet, "/api/payments/status", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without identifiers, got %d", rec.Code)
	}
	rec := doRequest(engine, http.MethodGet, "/api/payments/status?checkout_request_id=ws_CO_1", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"TIMEOUT"`) {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReverseTransaction(t *testing.T) {
	svc := &fakePaymentService{
		reverse: func(receipt, reason string) (domain.Transaction, error) {
			if reason == "" {
				return domain.Transaction{}, domain.ErrReasonRequired
			}
			return domain.Transaction{MpesaReceiptNumber: receipt, Status: domain.TransactionStatusReversed, ReversalReason: reason}, nil
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodPost, "/api/transactions/REC123/reverse", []byte(`{"reason":"customer request"}`), nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"REVERSED"`) {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(engine, http.MethodPost, "/api/transactions/REC123/reverse", []byte(`{}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if payload := decodeError(t, rec); payload.Errors[0].Field != "reason" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHistoryRewritesPageLinks(t *testing.T) {
	var got domain.HistoryParams
	gatewayNext := "http://gateway/payments/history?page=2"
	svc := &fakePaymentService{
		history: func(p domain.HistoryParams) (domain.Page[domain.Payment], error) {
			got = p
			return domain.Page[domain.Payment]{Count: 45, Next: &gatewayNext, Results: []domain.Payment{{PaymentReference: "PAY-1"}}}, nil
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodGet, "/api/payments/history?status=FAILED&min_amount=10&start_date=2026-03-01", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Page != 1 || got.PageSize != 20 || got.Status != "FAILED" || got.MinAmount == nil || got.StartDate == nil {
		t.Fatalf("unexpected params: %+v", got)
	}

	var resp struct {
		Data domain.Page[domain.Payment] `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Next == nil || *resp.Data.Next != "/api/payments/history?min_amount=10&page=2&page_size=20&start_date=2026-03-01&status=FAILED" {
		t.Fatalf("unexpected next link: %v", resp.Data.Next)
	}
	if resp.Data.Previous != nil {
		t.Fatalf("expected no previous link, got %s", *resp.Data.Previous)
	}

	rec = doRequest(engine, http.MethodGet, "/api/payments/history?min_amount=abc", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad amount, got %d", rec.Code)
	}
}

func TestExportStreamsFile(t *testing.T) {
	svc := &fakePaymentService{
		export: func(p domain.ExportParams, w io.Writer) (domain.ExportResult, error) {
			if p.Format != domain.ExportFormatCSV {
				return domain.ExportResult{}, domain.ErrInvalidExportFormat
			}
			n, err := io.WriteString(w, "reference,amount\nPAY-1,500\n")
			return domain.ExportResult{Filename: "mpesa_payments.csv", Bytes: int64(n)}, err
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodGet, "/api/payments/export?format=csv", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "mpesa_payments.csv") {
		t.Fatalf("missing attachment header: %v", rec.Header())
	}
	if rec.Body.String() != "reference,amount\nPAY-1,500\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}

	rec = doRequest(engine, http.MethodGet, "/api/payments/export?format=docx", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}
}

func TestExportGatewayFailureBeforeFirstByte(t *testing.T) {
	svc := &fakePaymentService{
		export: func(domain.ExportParams, io.Writer) (domain.ExportResult, error) {
			return domain.ExportResult{}, domain.NewGatewayError("export", 500, "export_failed", "report generation failed")
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodGet, "/api/payments/export?format=pdf", nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if payload := decodeError(t, rec); payload.Code != "export_failed" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCallbackSecret(t *testing.T) {
	calls := 0
	svc := &fakePaymentService{
		callback: func(payload []byte) (domain.CallbackResult, error) {
			calls++
			return domain.CallbackResult{Outcome: domain.CallbackApplied, Payment: &domain.Payment{PaymentReference: "PAY-1"}}, nil
		},
	}
	engine := newTestServer(t, svc, config.Config{Callback: config.CallbackConfig{Secret: "s3cret"}})
	body := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`)

	rec := doRequest(engine, http.MethodPost, "/mpesa/callback", body, map[string]string{HeaderCallbackSecret: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if calls != 0 {
		t.Fatalf("callback reached the service without a valid secret")
	}

	rec = doRequest(engine, http.MethodPost, "/mpesa/callback", body, map[string]string{HeaderCallbackSecret: "s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"outcome":"applied"`) {
		t.Fatalf("unexpected ack: %s", rec.Body.String())
	}
}

func TestCallbackMalformedPayload(t *testing.T) {
	svc := &fakePaymentService{
		callback: func([]byte) (domain.CallbackResult, error) {
			return domain.CallbackResult{}, domain.ErrInvalidCallback
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodPost, "/mpesa/callback", []byte(`{}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAwaitResultReturnsSnapshotOnTimeout(t *testing.T) {
	svc := &fakePaymentService{
		await: func(ctx context.Context, reference string) (domain.Payment, error) {
			<-ctx.Done()
			return domain.Payment{PaymentReference: reference, Status: domain.PaymentStatusProcessing}, ctx.Err()
		},
	}
	engine := newTestServer(t, svc, config.Config{})

	rec := doRequest(engine, http.MethodGet, "/api/payments/PAY-1/result?timeout=10ms", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"PROCESSING"`) {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(engine, http.MethodGet, "/api/payments/PAY-1/result?timeout=soon", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timeout, got %d", rec.Code)
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	engine := newTestServer(t, &fakePaymentService{}, config.Config{})

	if rec := doRequest(engine, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(engine, http.MethodGet, "/api/unknown", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
