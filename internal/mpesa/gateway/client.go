package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	obscontext "github.com/smallbiznis/stkpay/internal/observability/context"
	"github.com/smallbiznis/stkpay/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	opInitiate     = "initiate"
	opQueryStatus  = "query_status"
	opRetry        = "retry"
	opReverse      = "reverse"
	opHistory      = "history"
	opTransactions = "transactions"
	opSummary      = "summary"
	opExport       = "export"

	codeInvalidResponse = "invalid_response"
	codeRequestFailed   = "gateway_request_failed"

	defaultRequestTimeout = 2500 * time.Millisecond
	maxErrorBody          = 64 << 10
)

type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	// PollInterval reports the current poll interval. Each request timeout is
	// capped below it so one status query never overlaps the next.
	PollInterval func() time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

func (c Config) effectiveTimeout() time.Duration {
	if c.PollInterval == nil {
		return c.RequestTimeout
	}
	interval := c.PollInterval()
	if interval > 0 && c.RequestTimeout >= interval {
		return interval * 3 / 4
	}
	return c.RequestTimeout
}

// Client talks to the payment gateway over JSON/HTTP. It never retries.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	idempotencyKey func() string
}

func NewClient(cfg Config, httpClient *http.Client, log *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Client{
		cfg:            cfg.withDefaults(),
		http:           httpClient,
		log:            log.Named("mpesa.gateway"),
		metrics:        m,
		clock:          clk,
		idempotencyKey: func() string { return ulid.Make().String() },
	}
}

// RequestTimeout is the per-request timeout against the current poll interval.
func (c *Client) RequestTimeout() time.Duration {
	return c.cfg.effectiveTimeout()
}

func (c *Client) Initiate(ctx context.Context, req domain.InitiateRequest) (domain.Payment, error) {
	var dto paymentDTO
	if err := c.do(ctx, opInitiate, http.MethodPost, "/payments/stk-push", nil, req, true, &dto); err != nil {
		return domain.Payment{}, err
	}
	return c.payment(opInitiate, dto)
}

func (c *Client) QueryStatus(ctx context.Context, query domain.StatusQuery) (domain.Payment, error) {
	if query.Empty() {
		return domain.Payment{}, domain.ErrInvalidReference
	}
	values := url.Values{}
	if ref := strings.TrimSpace(query.PaymentReference); ref != "" {
		values.Set("payment_reference", ref)
	}
	if checkout := strings.TrimSpace(query.CheckoutRequestID); checkout != "" {
		values.Set("checkout_request_id", checkout)
	}
	var dto paymentDTO
	if err := c.do(ctx, opQueryStatus, http.MethodGet, "/payments/status", values, nil, false, &dto); err != nil {
		return domain.Payment{}, err
	}
	return c.payment(opQueryStatus, dto)
}

func (c *Client) Retry(ctx context.Context, paymentID string, phoneOverride string) (domain.Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, domain.ErrInvalidReference
	}
	body := map[string]string{}
	if phone := strings.TrimSpace(phoneOverride); phone != "" {
		body["phone_number"] = phone
	}
	var dto paymentDTO
	path := "/payments/" + url.PathEscape(paymentID) + "/retry"
	if err := c.do(ctx, opRetry, http.MethodPost, path, nil, body, true, &dto); err != nil {
		return domain.Payment{}, err
	}
	return c.payment(opRetry, dto)
}

func (c *Client) Reverse(ctx context.Context, receiptNumber string, reason string) (domain.Transaction, error) {
	receiptNumber = strings.TrimSpace(receiptNumber)
	if receiptNumber == "" {
		return domain.Transaction{}, domain.ErrInvalidReceipt
	}
	var dto transactionDTO
	path := "/transactions/" + url.PathEscape(receiptNumber) + "/reverse"
	if err := c.do(ctx, opReverse, http.MethodPost, path, nil, map[string]string{"reason": reason}, false, &dto); err != nil {
		return domain.Transaction{}, err
	}
	tx, err := dto.toDomain()
	if err != nil {
		return domain.Transaction{}, c.invalid(opReverse, err)
	}
	return tx, nil
}

func (c *Client) History(ctx context.Context, params domain.HistoryParams) (domain.Page[domain.Payment], error) {
	var dto pageDTO[paymentDTO]
	if err := c.do(ctx, opHistory, http.MethodGet, "/payments/history", historyQuery(params), nil, false, &dto); err != nil {
		return domain.Page[domain.Payment]{}, err
	}
	page, err := convertPage(dto, paymentDTO.toDomain)
	if err != nil {
		return domain.Page[domain.Payment]{}, c.invalid(opHistory, err)
	}
	return page, nil
}

func (c *Client) Transactions(ctx context.Context, params domain.TransactionParams) (domain.Page[domain.Transaction], error) {
	var dto pageDTO[transactionDTO]
	if err := c.do(ctx, opTransactions, http.MethodGet, "/transactions", transactionQuery(params), nil, false, &dto); err != nil {
		return domain.Page[domain.Transaction]{}, err
	}
	page, err := convertPage(dto, transactionDTO.toDomain)
	if err != nil {
		return domain.Page[domain.Transaction]{}, c.invalid(opTransactions, err)
	}
	return page, nil
}

func (c *Client) Summary(ctx context.Context, windowDays int) (domain.PaymentSummary, error) {
	values := url.Values{}
	if windowDays > 0 {
		values.Set("days", strconv.Itoa(windowDays))
	}
	var dto summaryDTO
	if err := c.do(ctx, opSummary, http.MethodGet, "/payments/summary", values, nil, false, &dto); err != nil {
		return domain.PaymentSummary{}, err
	}
	summary, err := dto.toDomain(windowDays, c.clock.Now())
	if err != nil {
		return domain.PaymentSummary{}, c.invalid(opSummary, err)
	}
	return summary, nil
}

// Export opens the file stream. The short request timeout does not apply:
// the body is read after Export returns and is bounded by ctx only.
func (c *Client) Export(ctx context.Context, params domain.ExportParams) (*domain.ExportFile, error) {
	format := params.Format
	if format == "" {
		format = domain.ExportFormatCSV
	}
	values := historyQuery(params.Filters)
	values.Set("format", string(format))

	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, http.MethodGet, "/payments/export", values, nil, false)
	if err != nil {
		cancel()
		return nil, domain.NewNetworkError(opExport, err)
	}
	req.Header.Set("Accept", "*/*")

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, c.networkFailure(ctx, opExport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		return nil, c.gatewayFailure(ctx, opExport, resp)
	}
	c.log.Debug("gateway call",
		zap.String("operation", opExport),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", c.clock.Now().Sub(start)),
	)

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = exportContentType(format)
	}
	return &domain.ExportFile{
		Filename:    exportFilename(resp.Header.Get("Content-Disposition"), format, c.clock.Now()),
		ContentType: contentType,
		Body:        &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, idempotent bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout())
	defer cancel()

	req, err := c.newRequest(ctx, method, path, query, body, idempotent)
	if err != nil {
		return domain.NewNetworkError(op, err)
	}

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return c.networkFailure(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.gatewayFailure(ctx, op, resp)
	}

	c.log.Debug("gateway call",
		zap.String("operation", op),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", c.clock.Now().Sub(start)),
	)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.networkFailure(ctx, op, ctxErr)
		}
		return c.invalid(op, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any, idempotent bool) (*http.Request, error) {
	if c.cfg.BaseURL == "" {
		return nil, errors.New("gateway base url is not configured")
	}
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	requestID := obscontext.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)
	if idempotent {
		req.Header.Set("Idempotency-Key", c.idempotencyKey())
	}
	return req, nil
}

func (c *Client) payment(op string, dto paymentDTO) (domain.Payment, error) {
	payment, err := dto.toDomain()
	if err != nil {
		return domain.Payment{}, c.invalid(op, err)
	}
	return payment, nil
}

func (c *Client) invalid(op string, err error) error {
	c.metrics.RecordGatewayError(context.Background(), op, string(domain.GatewayErrorGateway))
	c.log.Warn("gateway returned an invalid body", zap.String("operation", op), zap.Error(err))
	return &domain.GatewayError{
		Kind:       domain.GatewayErrorGateway,
		Op:         op,
		StatusCode: http.StatusOK,
		Code:       codeInvalidResponse,
		Message:    err.Error(),
		Err:        err,
	}
}

func (c *Client) networkFailure(ctx context.Context, op string, err error) error {
	c.metrics.RecordGatewayError(ctx, op, string(domain.GatewayErrorNetwork))
	c.log.Warn("gateway unreachable", zap.String("operation", op), zap.Error(err))
	return domain.NewNetworkError(op, err)
}

func (c *Client) gatewayFailure(ctx context.Context, op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	code := body.code()
	if code == "" {
		code = codeRequestFailed
	}
	message := body.message()
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	c.metrics.RecordGatewayError(ctx, op, string(domain.GatewayErrorGateway))
	c.log.Warn("gateway rejected request",
		zap.String("operation", op),
		zap.Int("status_code", resp.StatusCode),
		zap.String("code", code),
	)
	return domain.NewGatewayError(op, resp.StatusCode, code, message)
}

func historyQuery(p domain.HistoryParams) url.Values {
	values := url.Values{}
	setString(values, "customer_id", p.CustomerID)
	setString(values, "loan_id", p.LoanID)
	setDate(values, "start_date", p.StartDate)
	setDate(values, "end_date", p.EndDate)
	setString(values, "status", string(p.Status))
	setString(values, "payment_type", string(p.PaymentType))
	if p.MinAmount != nil {
		values.Set("min_amount", p.MinAmount.String())
	}
	if p.MaxAmount != nil {
		values.Set("max_amount", p.MaxAmount.String())
	}
	setInt(values, "page", p.Page)
	setInt(values, "page_size", p.PageSize)
	return values
}

func transactionQuery(p domain.TransactionParams) url.Values {
	values := url.Values{}
	setDate(values, "start_date", p.StartDate)
	setDate(values, "end_date", p.EndDate)
	setString(values, "phone_number", p.PhoneNumber)
	setString(values, "receipt_number", p.ReceiptNumber)
	setString(values, "status", string(p.Status))
	setString(values, "transaction_type", p.TransactionType)
	setInt(values, "page", p.Page)
	setInt(values, "page_size", p.PageSize)
	return values
}

func setString(values url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		values.Set(key, value)
	}
}

func setDate(values url.Values, key string, value *time.Time) {
	if value != nil && !value.IsZero() {
		values.Set(key, value.Format("2006-01-02"))
	}
}

func setInt(values url.Values, key string, value int) {
	if value > 0 {
		values.Set(key, strconv.Itoa(value))
	}
}

func exportContentType(format domain.ExportFormat) string {
	switch format {
	case domain.ExportFormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case domain.ExportFormatPDF:
		return "application/pdf"
	default:
		return "text/csv"
	}
}

func exportFilename(disposition string, format domain.ExportFormat, now time.Time) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := strings.TrimSpace(params["filename"]); name != "" {
			return name
		}
	}
	return fmt.Sprintf("mpesa_payments_%s.%s", now.Format("2006-01-02"), format)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

var _ domain.Gateway = (*Client)(nil)
