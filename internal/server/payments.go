package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/pkg/db/pagination"
	"go.uber.org/zap"
)

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 2 * time.Minute
)

type initiatePaymentRequest struct {
	PhoneNumber      string          `json:"phone_number"`
	Amount           decimal.Decimal `json:"amount"`
	AccountReference string          `json:"account_reference"`
	Description      string          `json:"description"`
	CustomerID       string          `json:"customer_id"`
	LoanID           string          `json:"loan_id"`
	RepaymentID      string          `json:"repayment_id"`
	PaymentType      string          `json:"payment_type"`
}

func (s *Server) InitiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.svc.InitiateAndTrack(c.Request.Context(), domain.InitiateRequest{
		PhoneNumber:      req.PhoneNumber,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
		Description:      req.Description,
		CustomerID:       req.CustomerID,
		LoanID:           req.LoanID,
		RepaymentID:      req.RepaymentID,
		PaymentType:      domain.PaymentType(req.PaymentType),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(ctxPaymentReference, resp.PaymentReference)
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetPaymentStatus(c *gin.Context) {
	query := domain.StatusQuery{
		PaymentReference:  strings.TrimSpace(c.Query("payment_reference")),
		CheckoutRequestID: strings.TrimSpace(c.Query("checkout_request_id")),
	}
	if query.Empty() {
		AbortWithError(c, newValidationError("payment_reference", "required", "payment_reference or checkout_request_id is required"))
		return
	}

	resp, err := s.svc.QueryStatus(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(ctxPaymentReference, resp.PaymentReference)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type retryPaymentRequest struct {
	PhoneNumber string `json:"phone_number"`
}

func (s *Server) RetryPayment(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	var req retryPaymentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.svc.RetryPayment(c.Request.Context(), id, req.PhoneNumber)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(ctxPaymentReference, resp.PaymentReference)
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

// AwaitPaymentResult holds the request open until the payment's poll loop
// stops, up to timeout (default 30s).
func (s *Server) AwaitPaymentResult(c *gin.Context) {
	reference := strings.TrimSpace(c.Param("id"))

	timeout := defaultAwaitTimeout
	if raw := strings.TrimSpace(c.Query("timeout")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("timeout", "invalid_timeout", "invalid timeout"))
			return
		}
		timeout = min(parsed, maxAwaitTimeout)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	resp, err := s.svc.AwaitResult(ctx, reference)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		AbortWithError(c, err)
		return
	}

	c.Set(ctxPaymentReference, resp.PaymentReference)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPaymentSummary(c *gin.Context) {
	days, err := parseOptionalInt(c.Query("days"))
	if err != nil {
		AbortWithError(c, newValidationError("days", "invalid_summary_window", "invalid days"))
		return
	}

	resp, err := s.svc.ComputeSummary(c.Request.Context(), days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type historyQuery struct {
	pagination.Pagination
	CustomerID  string `form:"customer_id"`
	LoanID      string `form:"loan_id"`
	StartDate   string `form:"start_date"`
	EndDate     string `form:"end_date"`
	Status      string `form:"status"`
	PaymentType string `form:"payment_type"`
	MinAmount   string `form:"min_amount"`
	MaxAmount   string `form:"max_amount"`
}

func (q historyQuery) params() (domain.HistoryParams, error) {
	startDate, err := parseOptionalTime(q.StartDate, false)
	if err != nil {
		return domain.HistoryParams{}, newValidationError("start_date", "invalid_start_date", "invalid start_date")
	}
	endDate, err := parseOptionalTime(q.EndDate, true)
	if err != nil {
		return domain.HistoryParams{}, newValidationError("end_date", "invalid_end_date", "invalid end_date")
	}
	minAmount, err := parseOptionalDecimal(q.MinAmount)
	if err != nil {
		return domain.HistoryParams{}, newValidationError("min_amount", "invalid_min_amount", "invalid min_amount")
	}
	maxAmount, err := parseOptionalDecimal(q.MaxAmount)
	if err != nil {
		return domain.HistoryParams{}, newValidationError("max_amount", "invalid_max_amount", "invalid max_amount")
	}

	page := q.Pagination.Normalize()
	return domain.HistoryParams{
		CustomerID:  q.CustomerID,
		LoanID:      q.LoanID,
		StartDate:   startDate,
		EndDate:     endDate,
		Status:      domain.PaymentStatus(strings.TrimSpace(q.Status)),
		PaymentType: domain.PaymentType(strings.TrimSpace(q.PaymentType)),
		MinAmount:   minAmount,
		MaxAmount:   maxAmount,
		Page:        page.Page,
		PageSize:    page.PageSize,
	}, nil
}

func (s *Server) ListPaymentHistory(c *gin.Context) {
	var query historyQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	params, err := query.params()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.svc.History(c.Request.Context(), params)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp.Next, resp.Previous = pagination.Links(c.Request.URL, query.Pagination, resp.Count)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ExportPaymentHistory(c *gin.Context) {
	var query historyQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	filters, err := query.params()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	format, ok := domain.ParseExportFormat(c.Query("format"))
	if !ok {
		AbortWithError(c, domain.ErrInvalidExportFormat)
		return
	}

	w := &exportWriter{c: c, format: format}
	result, err := s.svc.ExportHistory(c.Request.Context(), domain.ExportParams{Format: format, Filters: filters}, w)
	if err != nil {
		if !w.started {
			AbortWithError(c, err)
			return
		}
		s.log.Warn("export aborted mid-stream", zap.Int64("bytes", result.Bytes), zap.Error(err))
		return
	}
	if !w.started {
		w.writeHeader()
	}
}

// exportWriter sets the download headers on the first write so a failure
// before any byte arrives can still become a JSON error.
type exportWriter struct {
	c       *gin.Context
	format  domain.ExportFormat
	started bool
}

func (w *exportWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.writeHeader()
	}
	return w.c.Writer.Write(p)
}

func (w *exportWriter) writeHeader() {
	w.started = true
	w.c.Header("Content-Type", exportContentType(w.format))
	w.c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="mpesa_payments.%s"`, w.format))
	w.c.Status(http.StatusOK)
	w.c.Writer.WriteHeaderNow()
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
