package service

import (
	"context"
	"time"

	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/mpesa/tracker"
	"github.com/smallbiznis/stkpay/internal/observability/logger"
	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

// lookup finds the tracker for query, reloading it from the repository when it
// is not held in memory. A nil tracker means the payment is unknown.
func (s *Service) lookup(ctx context.Context, query domain.StatusQuery) (*tracker.Tracker, error) {
	s.mu.Lock()
	if query.PaymentReference != "" {
		if tr, ok := s.trackers[query.PaymentReference]; ok {
			s.mu.Unlock()
			return tr, nil
		}
	}
	if query.CheckoutRequestID != "" {
		if ref, ok := s.checkouts[query.CheckoutRequestID]; ok {
			if tr, ok := s.trackers[ref]; ok {
				s.mu.Unlock()
				return tr, nil
			}
		}
	}
	s.mu.Unlock()

	var (
		stored *domain.Payment
		err    error
	)
	if query.PaymentReference != "" {
		stored, err = s.repo.FindPayment(ctx, s.db, query.PaymentReference)
	} else {
		stored, err = s.repo.FindPaymentByCheckoutID(ctx, s.db, query.CheckoutRequestID)
	}
	if err != nil || stored == nil {
		return nil, err
	}
	return s.adopt(*stored), nil
}

// adopt wraps a persisted payment in a tracker. Live payments are registered
// so every caller shares one tracker; terminal ones are returned detached.
func (s *Service) adopt(payment domain.Payment) *tracker.Tracker {
	if payment.Status.IsTerminal() {
		return tracker.Restore(payment, s.clock, tracker.WithTransitionHook(s.onTransition))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.trackers[payment.PaymentReference]; ok {
		return tr
	}
	tr := tracker.Restore(payment, s.clock, tracker.WithTransitionHook(s.onTransition))
	s.trackers[payment.PaymentReference] = tr
	if payment.CheckoutRequestID != "" {
		s.checkouts[payment.CheckoutRequestID] = payment.PaymentReference
	}
	return tr
}

func (s *Service) register(tr *tracker.Tracker, payment domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackers[payment.PaymentReference] = tr
	if payment.CheckoutRequestID != "" {
		s.checkouts[payment.CheckoutRequestID] = payment.PaymentReference
	}
}

// onTransition runs under the tracker lock, in transition order.
func (s *Service) onTransition(t tracker.Transition, payment domain.Payment) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	log := logger.WithPayment(s.log, payment.PaymentReference, payment.CheckoutRequestID)
	if err := s.repo.SavePayment(ctx, s.db, &payment); err != nil {
		log.Error("persist transition failed",
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.Error(err),
		)
	}
	s.obsMetrics.RecordTransition(ctx, string(t.From), string(t.To))

	fields := []zap.Field{
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	}
	if payment.ResultCode != nil {
		fields = append(fields, zap.Int("result_code", *payment.ResultCode))
	}
	log.Info("payment transition", fields...)

	s.mu.Lock()
	if payment.CheckoutRequestID != "" {
		s.checkouts[payment.CheckoutRequestID] = payment.PaymentReference
	}
	if t.To.IsTerminal() {
		delete(s.trackers, payment.PaymentReference)
		delete(s.checkouts, payment.CheckoutRequestID)
	}
	s.mu.Unlock()

	if t.To == domain.PaymentStatusSuccessful {
		s.recordTransaction(ctx, payment, domain.STKCallback{})
	}
	if t.To.IsTerminal() {
		s.cache.Invalidate(ctx)
	}
}

// persist stores an annotation that is not a state transition.
func (s *Service) persist(ctx context.Context, payment domain.Payment) error {
	return s.repo.SavePayment(ctx, s.db, &payment)
}

// TrackedCount reports how many live payments are held in memory.
func (s *Service) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}
