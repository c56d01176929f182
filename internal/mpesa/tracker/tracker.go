package tracker

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
)

// Transition describes one applied state change.
type Transition struct {
	Reference string
	From      domain.PaymentStatus
	To        domain.PaymentStatus
	At        time.Time
}

// Tracker holds exactly one payment and enforces its state machine:
//
//	PENDING -> PROCESSING -> SUCCESSFUL | FAILED | CANCELLED | TIMEOUT
//
// Terminal states never change.
type Tracker struct {
	mu           sync.Mutex
	payment      domain.Payment
	clock        clock.Clock
	onTransition func(Transition, domain.Payment)
}

type Option func(*Tracker)

// WithTransitionHook registers fn to run after every applied transition while
// the tracker lock is still held, so hooks observe transitions in order.
func WithTransitionHook(fn func(Transition, domain.Payment)) Option {
	return func(t *Tracker) { t.onTransition = fn }
}

// New starts tracking p in PENDING.
func New(p domain.Payment, clk clock.Clock, opts ...Option) *Tracker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	p = p.Clone()
	p.Status = domain.PaymentStatusPending
	p.CompletedAt = nil
	if p.InitiatedAt.IsZero() {
		p.InitiatedAt = clk.Now()
	}
	t := &Tracker{payment: p, clock: clk}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore rebuilds a tracker around a persisted payment without resetting its
// status.
func Restore(p domain.Payment, clk clock.Clock, opts ...Option) *Tracker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	t := &Tracker{payment: p.Clone(), clock: clk}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Reference() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payment.PaymentReference
}

func (t *Tracker) Snapshot() domain.Payment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payment.Clone()
}

func (t *Tracker) Status() domain.PaymentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payment.Status
}

func (t *Tracker) IsTerminal() bool {
	return t.Status().IsTerminal()
}

// Acknowledge records the gateway's correlation ids: PENDING -> PROCESSING.
func (t *Tracker) Acknowledge(checkoutRequestID, merchantRequestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acknowledgeLocked(checkoutRequestID, merchantRequestID)
}

func (t *Tracker) acknowledgeLocked(checkoutRequestID, merchantRequestID string) error {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if t.payment.Status != domain.PaymentStatusPending || checkoutRequestID == "" {
		return t.violation(domain.PaymentStatusProcessing)
	}
	now := t.clock.Now()
	t.payment.CheckoutRequestID = checkoutRequestID
	if merchant := strings.TrimSpace(merchantRequestID); merchant != "" {
		t.payment.MerchantRequestID = merchant
	}
	t.payment.ProcessedAt = &now
	t.applyLocked(domain.PaymentStatusProcessing, now)
	return nil
}

// Complete applies a gateway result code: PROCESSING -> SUCCESSFUL | FAILED | CANCELLED.
func (t *Tracker) Complete(resultCode int, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	code := resultCode
	return t.completeLocked(domain.StatusForResultCode(code), &code, description, "", "")
}

func (t *Tracker) completeLocked(to domain.PaymentStatus, resultCode *int, description, receipt, errorCode string) error {
	if t.payment.Status != domain.PaymentStatusProcessing {
		return t.violation(to)
	}
	now := t.clock.Now()
	if resultCode != nil {
		code := *resultCode
		t.payment.ResultCode = &code
	}
	t.payment.ResultDescription = strings.TrimSpace(description)
	if to == domain.PaymentStatusSuccessful {
		t.payment.ErrorCode = ""
		t.payment.ErrorMessage = ""
		if receipt != "" {
			t.payment.MpesaReceiptNumber = receipt
		}
	} else {
		errorCode = strings.TrimSpace(errorCode)
		if errorCode == "" && resultCode != nil {
			errorCode = strconv.Itoa(*resultCode)
		}
		t.payment.ErrorCode = errorCode
		t.payment.ErrorMessage = t.payment.ResultDescription
	}
	t.payment.CompletedAt = &now
	t.applyLocked(to, now)
	return nil
}

// TimeOut is issued by the poller when its attempt budget runs out:
// PROCESSING -> TIMEOUT, tagged as a client-side decision.
func (t *Tracker) TimeOut() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.payment.Status != domain.PaymentStatusProcessing {
		return t.violation(domain.PaymentStatusTimeout)
	}
	now := t.clock.Now()
	t.payment.TimeoutSource = domain.TimeoutSourceClient
	t.payment.ErrorCode = "client_timeout"
	t.payment.ErrorMessage = "no terminal result before the polling budget was exhausted"
	t.payment.CompletedAt = &now
	t.applyLocked(domain.PaymentStatusTimeout, now)
	return nil
}

// Observe folds a gateway snapshot into the tracked payment. It reports
// whether anything changed. A terminal snapshot for a PENDING payment is
// acknowledged first so the PENDING -> PROCESSING edge is always recorded.
func (t *Tracker) Observe(remote domain.Payment) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reported, code := remoteResult(remote)
	if t.payment.Status.IsTerminal() {
		if !reported.IsTerminal() || reported == t.payment.Status {
			return false, nil
		}
		return false, t.violation(reported)
	}

	changed := false
	if t.payment.Status == domain.PaymentStatusPending {
		checkout := firstNonEmpty(remote.CheckoutRequestID, t.payment.CheckoutRequestID)
		if checkout == "" {
			return false, nil
		}
		if err := t.acknowledgeLocked(checkout, remote.MerchantRequestID); err != nil {
			return false, err
		}
		changed = true
	}

	// TIMEOUT is only ever decided client-side.
	if !reported.IsTerminal() || reported == domain.PaymentStatusTimeout {
		return changed, nil
	}
	description := firstNonEmpty(remote.ResultDescription, remote.ErrorMessage)
	if err := t.completeLocked(reported, code, description, remote.MpesaReceiptNumber, remote.ErrorCode); err != nil {
		return changed, err
	}
	return true, nil
}

// RecordLateResult stores a gateway outcome that arrived after the client
// timed the payment out. Status stays TIMEOUT.
func (t *Tracker) RecordLateResult(resultCode int, description, receipt string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.payment.Status != domain.PaymentStatusTimeout {
		return false, t.violation(domain.StatusForResultCode(resultCode))
	}
	if t.payment.LateResultAt != nil {
		return false, nil
	}
	now := t.clock.Now()
	code := resultCode
	t.payment.LateStatus = domain.StatusForResultCode(resultCode)
	t.payment.LateResultCode = &code
	t.payment.LateResultAt = &now
	if description = strings.TrimSpace(description); description != "" {
		t.payment.ResultDescription = description
	}
	if receipt != "" {
		t.payment.MpesaReceiptNumber = receipt
	}
	return true, nil
}

func (t *Tracker) applyLocked(to domain.PaymentStatus, at time.Time) {
	from := t.payment.Status
	t.payment.Status = to
	t.payment.UpdatedAt = at
	if t.onTransition != nil {
		t.onTransition(Transition{
			Reference: t.payment.PaymentReference,
			From:      from,
			To:        to,
			At:        at,
		}, t.payment.Clone())
	}
}

func (t *Tracker) violation(to domain.PaymentStatus) error {
	return &domain.InvariantViolation{
		Reference: t.payment.PaymentReference,
		From:      string(t.payment.Status),
		To:        string(to),
	}
}

// remoteResult derives the status a gateway snapshot reports. A result code
// wins over the status field.
func remoteResult(remote domain.Payment) (domain.PaymentStatus, *int) {
	if remote.ResultCode != nil {
		code := *remote.ResultCode
		return domain.StatusForResultCode(code), &code
	}
	return remote.Status, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
