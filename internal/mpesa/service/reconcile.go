package service

import (
	"context"

	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/observability/logger"
	"go.uber.org/zap"
)

const reconcileBatchSize = 50

// ReconcileTimeouts asks the gateway once about each client-side TIMEOUT that
// has no late result yet and records any terminal outcome it reports. Status
// stays TIMEOUT. It returns how many payments gained a late result.
func (s *Service) ReconcileTimeouts(ctx context.Context) (int, error) {
	timedOut, err := s.repo.ListTimedOut(ctx, s.db, reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	log := logger.WithContext(ctx, s.log)
	references := make([]string, 0, len(timedOut))
	for _, payment := range timedOut {
		references = append(references, payment.PaymentReference)
	}
	if err := s.repo.MarkReconcileChecked(ctx, s.db, references, s.clock.Now()); err != nil {
		return 0, err
	}

	reconciled := 0
	for _, payment := range timedOut {
		if err := ctx.Err(); err != nil {
			return reconciled, err
		}
		remote, err := s.gateway.QueryStatus(ctx, domain.StatusQuery{
			PaymentReference:  payment.PaymentReference,
			CheckoutRequestID: payment.CheckoutRequestID,
		})
		if err != nil {
			log.Warn("timeout reconciliation query failed",
				zap.String("payment_reference", payment.PaymentReference),
				zap.Error(err),
			)
			continue
		}
		code, ok := lateResultCode(remote)
		if !ok {
			continue
		}
		late, recorded, err := s.recordLate(ctx, payment.PaymentReference, code, remote.ResultDescription, remote.MpesaReceiptNumber)
		if err != nil {
			log.Warn("timeout reconciliation failed",
				zap.String("payment_reference", payment.PaymentReference),
				zap.Error(err),
			)
			continue
		}
		if !recorded {
			continue
		}
		reconciled++
		if late.LateStatus == domain.PaymentStatusSuccessful {
			s.recordTransaction(ctx, late, domain.STKCallback{
				CheckoutRequestID:  late.CheckoutRequestID,
				MpesaReceiptNumber: remote.MpesaReceiptNumber,
			})
		}
	}
	return reconciled, nil
}

// lateResultCode extracts a terminal outcome from a gateway snapshot. A
// TIMEOUT or live status carries no outcome.
func lateResultCode(remote domain.Payment) (int, bool) {
	if remote.ResultCode != nil {
		return *remote.ResultCode, true
	}
	switch remote.Status {
	case domain.PaymentStatusSuccessful:
		return domain.ResultCodeSuccess, true
	case domain.PaymentStatusCancelled:
		return domain.ResultCodeUserCancelled, true
	case domain.PaymentStatusFailed:
		return genericFailureCode, true
	default:
		return 0, false
	}
}

// genericFailureCode stands in for a failure reported without a result code.
const genericFailureCode = 1
