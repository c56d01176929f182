package service

import (
	"context"
	"io"
	"strings"

	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	defaultSummaryDays = 30
	maxSummaryDays     = 365
	maxPageSize        = 100
)

// ComputeSummary is read-only; results are cached for the policy TTL.
func (s *Service) ComputeSummary(ctx context.Context, windowDays int) (domain.PaymentSummary, error) {
	if windowDays == 0 {
		windowDays = defaultSummaryDays
	}
	if windowDays < 1 || windowDays > maxSummaryDays {
		return domain.PaymentSummary{}, domain.ErrInvalidWindow
	}
	if summary, ok := s.cache.GetSummary(ctx, windowDays); ok {
		return summary, nil
	}
	summary, err := s.gateway.Summary(ctx, windowDays)
	if err != nil {
		return domain.PaymentSummary{}, err
	}
	s.cache.SetSummary(ctx, windowDays, summary, s.policy.Get().SummaryCacheTTL)
	return summary.Clone(), nil
}

func (s *Service) History(ctx context.Context, params domain.HistoryParams) (domain.Page[domain.Payment], error) {
	params, err := validateHistory(params)
	if err != nil {
		return domain.Page[domain.Payment]{}, err
	}
	if page, ok := s.cache.GetHistory(params); ok {
		return page, nil
	}
	page, err := s.gateway.History(ctx, params)
	if err != nil {
		return domain.Page[domain.Payment]{}, err
	}
	s.cache.SetHistory(params, page, s.policy.Get().SummaryCacheTTL)
	return page, nil
}

func (s *Service) Transactions(ctx context.Context, params domain.TransactionParams) (domain.Page[domain.Transaction], error) {
	params, err := validateTransactions(params)
	if err != nil {
		return domain.Page[domain.Transaction]{}, err
	}
	if page, ok := s.cache.GetTransactions(params); ok {
		return page, nil
	}
	page, err := s.gateway.Transactions(ctx, params)
	if err != nil {
		return domain.Page[domain.Transaction]{}, err
	}
	s.cache.SetTransactions(params, page, s.policy.Get().SummaryCacheTTL)
	return page, nil
}

// ExportHistory streams the gateway's export to w. Failures are reported and
// logged; payment state is never touched.
func (s *Service) ExportHistory(ctx context.Context, params domain.ExportParams, w io.Writer) (domain.ExportResult, error) {
	format, ok := domain.ParseExportFormat(string(params.Format))
	if !ok {
		return domain.ExportResult{}, domain.ErrInvalidExportFormat
	}
	filters, err := validateHistory(params.Filters)
	if err != nil {
		return domain.ExportResult{}, err
	}
	params.Format = format
	params.Filters = filters

	log := logger.WithContext(ctx, s.log).With(zap.String("format", string(format)))
	file, err := s.gateway.Export(ctx, params)
	if err != nil {
		log.Warn("export failed", zap.Error(err))
		return domain.ExportResult{}, err
	}
	defer file.Body.Close()

	written, err := io.Copy(w, file.Body)
	result := domain.ExportResult{
		Filename:    file.Filename,
		ContentType: file.ContentType,
		Bytes:       written,
	}
	if err != nil {
		log.Warn("export stream interrupted", zap.Int64("bytes", written), zap.Error(err))
		return result, err
	}
	log.Info("export streamed", zap.String("filename", file.Filename), zap.Int64("bytes", written))
	return result, nil
}

func validateHistory(p domain.HistoryParams) (domain.HistoryParams, error) {
	p.CustomerID = strings.TrimSpace(p.CustomerID)
	p.LoanID = strings.TrimSpace(p.LoanID)
	if err := validatePage(p.Page, p.PageSize); err != nil {
		return p, err
	}
	if p.StartDate != nil && p.EndDate != nil && p.StartDate.After(*p.EndDate) {
		return p, domain.ErrInvalidWindow
	}
	if p.Status != "" {
		status, ok := domain.ParsePaymentStatus(string(p.Status))
		if !ok {
			return p, domain.ErrInvalidStatusFilter
		}
		p.Status = status
	}
	if p.PaymentType != "" {
		paymentType, ok := domain.ParsePaymentType(string(p.PaymentType))
		if !ok {
			return p, domain.ErrInvalidPaymentType
		}
		p.PaymentType = paymentType
	}
	if p.MinAmount != nil && p.MinAmount.IsNegative() {
		return p, domain.ErrInvalidAmount
	}
	if p.MinAmount != nil && p.MaxAmount != nil && p.MinAmount.GreaterThan(*p.MaxAmount) {
		return p, domain.ErrInvalidAmount
	}
	return p, nil
}

func validateTransactions(p domain.TransactionParams) (domain.TransactionParams, error) {
	p.ReceiptNumber = strings.TrimSpace(p.ReceiptNumber)
	p.TransactionType = strings.TrimSpace(p.TransactionType)
	if err := validatePage(p.Page, p.PageSize); err != nil {
		return p, err
	}
	if p.StartDate != nil && p.EndDate != nil && p.StartDate.After(*p.EndDate) {
		return p, domain.ErrInvalidWindow
	}
	if p.PhoneNumber != "" {
		phone, err := domain.NormalizePhone(p.PhoneNumber)
		if err != nil {
			return p, err
		}
		p.PhoneNumber = phone
	}
	if p.Status != "" {
		status, ok := domain.ParseTransactionStatus(string(p.Status))
		if !ok {
			return p, domain.ErrInvalidStatusFilter
		}
		p.Status = status
	}
	return p, nil
}

func validatePage(page, pageSize int) error {
	if page < 0 || pageSize < 0 || pageSize > maxPageSize {
		return domain.ErrInvalidPagination
	}
	return nil
}
