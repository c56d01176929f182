package service

import (
	"context"

	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/mpesa/tracker"
	"github.com/smallbiznis/stkpay/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// stkTransactionType is the transaction type the gateway reports for push
// payments.
const stkTransactionType = "CustomerPayBillOnline"

// HandleCallback applies an asynchronous result notification. Repeats for a
// settled payment are acknowledged without effect; a result for a payment the
// poller already timed out is kept as a late result.
func (s *Service) HandleCallback(ctx context.Context, payload []byte) (domain.CallbackResult, error) {
	cb, err := domain.ParseCallback(payload)
	if err != nil {
		return domain.CallbackResult{}, err
	}

	record := domain.CallbackRecord{
		ID:                s.genID.Generate(),
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        cb.ResultCode,
		Payload:           datatypes.JSON(payload),
		ReceivedAt:        s.clock.Now(),
	}

	result, err := s.applyCallback(ctx, cb)
	if err != nil {
		return domain.CallbackResult{}, err
	}
	record.Outcome = string(result.Outcome)

	log := logger.WithPayment(logger.WithContext(ctx, s.log), referenceOf(result.Payment), cb.CheckoutRequestID)
	if err := s.repo.InsertCallback(ctx, s.db, &record); err != nil {
		log.Error("store callback failed", zap.Error(err))
	}
	s.obsMetrics.RecordCallback(ctx, string(result.Outcome))
	log.Info("callback handled",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("result_code", cb.ResultCode),
	)
	return result, nil
}

func (s *Service) applyCallback(ctx context.Context, cb domain.STKCallback) (domain.CallbackResult, error) {
	tr, err := s.lookup(ctx, domain.StatusQuery{CheckoutRequestID: cb.CheckoutRequestID})
	if err != nil {
		return domain.CallbackResult{}, err
	}
	if tr == nil {
		return domain.CallbackResult{Outcome: domain.CallbackUnknown}, nil
	}

	if !tr.IsTerminal() {
		if cb.ResultCode == domain.ResultCodeSuccess {
			s.recordTransaction(ctx, tr.Snapshot(), cb)
		}
		code := cb.ResultCode
		changed, err := tr.Observe(domain.Payment{
			CheckoutRequestID:  cb.CheckoutRequestID,
			MerchantRequestID:  cb.MerchantRequestID,
			ResultCode:         &code,
			ResultDescription:  cb.ResultDesc,
			MpesaReceiptNumber: cb.MpesaReceiptNumber,
		})
		if err != nil {
			s.logInvariant(ctx, tr.Reference(), err)
		}
		s.poller.Cancel(tr.Reference())
		snapshot := tr.Snapshot()
		if changed && snapshot.Status.IsTerminal() {
			return domain.CallbackResult{Outcome: domain.CallbackApplied, Payment: &snapshot}, nil
		}
		// A concurrent poll result settled it first.
		return s.settledCallback(ctx, tr, cb)
	}
	return s.settledCallback(ctx, tr, cb)
}

func (s *Service) settledCallback(ctx context.Context, tr *tracker.Tracker, cb domain.STKCallback) (domain.CallbackResult, error) {
	snapshot := tr.Snapshot()
	if snapshot.Status != domain.PaymentStatusTimeout {
		return domain.CallbackResult{Outcome: domain.CallbackDuplicate, Payment: &snapshot}, nil
	}

	late, recorded, err := s.recordLate(ctx, snapshot.PaymentReference, cb.ResultCode, cb.ResultDesc, cb.MpesaReceiptNumber)
	if err != nil {
		return domain.CallbackResult{}, err
	}
	if !recorded {
		return domain.CallbackResult{Outcome: domain.CallbackDuplicate, Payment: &late}, nil
	}
	if late.LateStatus == domain.PaymentStatusSuccessful {
		s.recordTransaction(ctx, late, cb)
	}
	return domain.CallbackResult{Outcome: domain.CallbackLateResult, Payment: &late}, nil
}

// recordLate annotates a TIMEOUT payment with the outcome that arrived after
// it. It re-reads the stored payment under a per-reference lock so only the
// first late result is kept.
func (s *Service) recordLate(ctx context.Context, reference string, resultCode int, description, receipt string) (domain.Payment, bool, error) {
	unlock := s.locks.Lock("late:" + reference)
	defer unlock()

	stored, err := s.repo.FindPayment(ctx, s.db, reference)
	if err != nil {
		return domain.Payment{}, false, err
	}
	if stored == nil {
		return domain.Payment{}, false, domain.ErrPaymentNotFound
	}
	tr := tracker.Restore(*stored, s.clock)
	recorded, err := tr.RecordLateResult(resultCode, description, receipt)
	if err != nil {
		s.logInvariant(ctx, reference, err)
		return tr.Snapshot(), false, nil
	}
	late := tr.Snapshot()
	if !recorded {
		return late, false, nil
	}
	if err := s.persist(ctx, late); err != nil {
		return domain.Payment{}, false, err
	}
	s.cache.Invalidate(ctx)
	s.pollerMetrics.IncReconciled(string(late.LateStatus))
	logger.WithPayment(logger.WithContext(ctx, s.log), reference, late.CheckoutRequestID).
		Warn("late result after client timeout",
			zap.String("late_status", string(late.LateStatus)),
			zap.Int("result_code", resultCode),
		)
	return late, true, nil
}

// recordTransaction stores the confirmed transaction for a successful push.
// An existing record for the receipt is never overwritten.
func (s *Service) recordTransaction(ctx context.Context, payment domain.Payment, cb domain.STKCallback) {
	receipt := firstNonEmpty(cb.MpesaReceiptNumber, payment.MpesaReceiptNumber)
	if receipt == "" {
		return
	}
	log := logger.WithPayment(logger.WithContext(ctx, s.log), payment.PaymentReference, payment.CheckoutRequestID)

	existing, err := s.repo.FindTransaction(ctx, s.db, receipt)
	if err != nil {
		log.Error("load transaction failed", zap.String("receipt_number", receipt), zap.Error(err))
		return
	}
	if existing != nil {
		return
	}

	amount := cb.Amount
	if !amount.IsPositive() {
		amount = payment.Amount
	}
	date := cb.TransactionDate
	if date.IsZero() {
		date = s.clock.Now()
	}
	txn := domain.Transaction{
		MpesaReceiptNumber: receipt,
		TransactionID:      firstNonEmpty(payment.ID, cb.CheckoutRequestID),
		PaymentReference:   payment.PaymentReference,
		PhoneNumber:        firstNonEmpty(cb.PhoneNumber, payment.PhoneNumber),
		Amount:             amount,
		TransactionType:    stkTransactionType,
		Status:             domain.TransactionStatusCompleted,
		TransactionDate:    date,
	}
	if err := s.repo.SaveTransaction(ctx, s.db, &txn); err != nil {
		log.Error("store transaction failed", zap.String("receipt_number", receipt), zap.Error(err))
	}
}

func referenceOf(p *domain.Payment) string {
	if p == nil {
		return ""
	}
	return p.PaymentReference
}
