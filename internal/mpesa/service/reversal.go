package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/observability/logger"
	"go.uber.org/zap"
)

// ReverseTransaction moves a COMPLETED transaction to REVERSED. Any other
// status is rejected before the gateway is called.
func (s *Service) ReverseTransaction(ctx context.Context, receiptNumber string, reason string) (domain.Transaction, error) {
	receiptNumber = strings.TrimSpace(receiptNumber)
	reason = strings.TrimSpace(reason)
	if receiptNumber == "" {
		return domain.Transaction{}, domain.ErrInvalidReceipt
	}
	if reason == "" {
		return domain.Transaction{}, domain.ErrReasonRequired
	}

	unlock := s.locks.Lock("receipt:" + receiptNumber)
	defer unlock()

	current, err := s.findTransaction(ctx, receiptNumber)
	if err != nil {
		return domain.Transaction{}, err
	}
	if current.Status != domain.TransactionStatusCompleted {
		s.obsMetrics.RecordReversal(ctx, "rejected")
		return domain.Transaction{}, domain.ErrReversalNotAllowed
	}

	remote, err := s.gateway.Reverse(ctx, receiptNumber, reason)
	if err != nil {
		s.obsMetrics.RecordReversal(ctx, "error")
		return domain.Transaction{}, err
	}

	reversed := current.Clone()
	reversed.Status = domain.TransactionStatusReversed
	reversed.ReversalReason = reason
	reversedAt := s.clock.Now()
	if remote.ReversedAt != nil {
		reversedAt = *remote.ReversedAt
	}
	reversed.ReversedAt = &reversedAt
	if reversed.TransactionID == "" {
		reversed.TransactionID = remote.TransactionID
	}

	if err := s.repo.SaveTransaction(ctx, s.db, &reversed); err != nil {
		return domain.Transaction{}, err
	}
	s.cache.Invalidate(ctx)
	s.obsMetrics.RecordReversal(ctx, "reversed")
	logger.WithContext(ctx, s.log).Info("transaction reversed",
		zap.String("receipt_number", receiptNumber),
		zap.String("payment_reference", reversed.PaymentReference),
	)
	return reversed.Clone(), nil
}

// findTransaction prefers the local record and falls back to a gateway lookup
// by receipt number.
func (s *Service) findTransaction(ctx context.Context, receiptNumber string) (domain.Transaction, error) {
	stored, err := s.repo.FindTransaction(ctx, s.db, receiptNumber)
	if err != nil {
		return domain.Transaction{}, err
	}
	if stored != nil {
		return *stored, nil
	}

	page, err := s.gateway.Transactions(ctx, domain.TransactionParams{ReceiptNumber: receiptNumber, Page: 1, PageSize: 1})
	if err != nil {
		return domain.Transaction{}, err
	}
	for _, txn := range page.Results {
		if txn.MpesaReceiptNumber != receiptNumber {
			continue
		}
		if err := s.repo.SaveTransaction(ctx, s.db, &txn); err != nil {
			return domain.Transaction{}, err
		}
		return txn, nil
	}
	return domain.Transaction{}, domain.ErrTransactionNotFound
}
