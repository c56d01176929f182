package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stkpay/internal/cache"
	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/config"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/mpesa/poller"
	"github.com/smallbiznis/stkpay/internal/mpesa/tracker"
	"github.com/smallbiznis/stkpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/stkpay/internal/observability/metrics"
	"github.com/smallbiznis/stkpay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const resumeBatchSize = 200

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Gateway       domain.Gateway
	Repo          domain.Repository
	Poller        *poller.Poller
	Cache         cache.ReadCache
	Policy        *config.PolicyHolder
	Limiter       *ratelimit.InitiationLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics          `optional:"true"`
	PollerMetrics *obsmetrics.PollerMetrics    `optional:"true"`
}

// Service owns every payment attempt and transaction the engine knows about.
// Live attempts are held as trackers; terminal ones are reloaded from the
// repository on demand.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	gateway       domain.Gateway
	repo          domain.Repository
	poller        *poller.Poller
	cache         cache.ReadCache
	policy        *config.PolicyHolder
	limiter       *ratelimit.InitiationLimiter
	obsMetrics    *obsmetrics.Metrics
	pollerMetrics *obsmetrics.PollerMetrics

	mu        sync.Mutex
	trackers  map[string]*tracker.Tracker
	checkouts map[string]string

	locks keyedMutex
}

var _ domain.Service = (*Service)(nil)

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("mpesa.service"),
		genID:         p.GenID,
		clock:         clk,
		gateway:       p.Gateway,
		repo:          p.Repo,
		poller:        p.Poller,
		cache:         p.Cache,
		policy:        p.Policy,
		limiter:       p.Limiter,
		obsMetrics:    p.ObsMetrics,
		pollerMetrics: p.PollerMetrics,
		trackers:      make(map[string]*tracker.Tracker),
		checkouts:     make(map[string]string),
	}
}

func (s *Service) InitiateAndTrack(ctx context.Context, req domain.InitiateRequest) (domain.Payment, error) {
	req, err := validateInitiate(req)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := s.allowPhone(ctx, req.PhoneNumber); err != nil {
		return domain.Payment{}, err
	}

	remote, err := s.gateway.Initiate(ctx, req)
	if err != nil {
		return domain.Payment{}, err
	}

	payment := remote.Clone()
	payment.IntentID = s.genID.Generate()
	payment.PhoneNumber = req.PhoneNumber
	payment.Amount = req.Amount
	payment.PaymentType = req.PaymentType
	payment.AccountReference = firstNonEmpty(remote.AccountReference, req.AccountReference)
	payment.Description = firstNonEmpty(remote.Description, req.Description)
	payment.CustomerID = firstNonEmpty(remote.CustomerID, req.CustomerID)
	payment.LoanID = firstNonEmpty(remote.LoanID, req.LoanID)
	payment.RepaymentID = firstNonEmpty(remote.RepaymentID, req.RepaymentID)
	payment.RetryCount = 0

	snapshot, err := s.track(ctx, payment, remote)
	if err != nil {
		return domain.Payment{}, err
	}
	s.obsMetrics.RecordInitiation(ctx, string(snapshot.PaymentType))
	return snapshot, nil
}

// QueryStatus never touches the network for a terminal payment.
func (s *Service) QueryStatus(ctx context.Context, query domain.StatusQuery) (domain.Payment, error) {
	query.PaymentReference = strings.TrimSpace(query.PaymentReference)
	query.CheckoutRequestID = strings.TrimSpace(query.CheckoutRequestID)
	if query.Empty() {
		return domain.Payment{}, domain.ErrInvalidReference
	}

	tr, err := s.lookup(ctx, query)
	if err != nil {
		return domain.Payment{}, err
	}
	if tr != nil && tr.IsTerminal() {
		return tr.Snapshot(), nil
	}

	remote, err := s.gateway.QueryStatus(ctx, query)
	if err != nil {
		return domain.Payment{}, err
	}
	if tr == nil {
		// Not initiated through this engine; report the gateway's view as is.
		return remote, nil
	}

	if _, err := tr.Observe(remote); err != nil {
		s.logInvariant(ctx, tr.Reference(), err)
	}
	s.ensurePolling(ctx, tr)
	return tr.Snapshot(), nil
}

func (s *Service) RetryPayment(ctx context.Context, paymentID string, phoneOverride string) (domain.Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, domain.ErrInvalidReference
	}

	var override string
	if strings.TrimSpace(phoneOverride) != "" {
		normalized, err := domain.NormalizePhone(phoneOverride)
		if err != nil {
			return domain.Payment{}, err
		}
		override = normalized
	}

	previous, err := s.findForRetry(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}

	unlock := s.locks.Lock(fmt.Sprintf("intent:%d", previous.IntentID))
	defer unlock()

	if err := checkRetryable(previous); err != nil {
		s.obsMetrics.RecordRetry(ctx, "rejected")
		return domain.Payment{}, err
	}

	latest, err := s.repo.LatestIntentAttempt(ctx, s.db, previous.IntentID.Int64())
	if err != nil {
		return domain.Payment{}, err
	}
	if latest != nil && latest.PaymentReference != previous.PaymentReference {
		// Only the newest attempt of an intent can be retried.
		s.obsMetrics.RecordRetry(ctx, "rejected")
		return domain.Payment{}, domain.ErrRetryNotAllowed
	}

	attempts, err := s.repo.CountIntentAttempts(ctx, s.db, previous.IntentID.Int64())
	if err != nil {
		return domain.Payment{}, err
	}
	retries := int(attempts) - 1
	if retries < previous.RetryCount {
		retries = previous.RetryCount
	}
	if retries >= s.policy.Get().MaxRetries {
		s.obsMetrics.RecordRetry(ctx, "limit_reached")
		return domain.Payment{}, domain.ErrRetryLimitReached
	}

	phone := firstNonEmpty(override, previous.PhoneNumber)
	if err := s.allowPhone(ctx, phone); err != nil {
		return domain.Payment{}, err
	}

	remoteID := firstNonEmpty(previous.ID, previous.PaymentReference)
	remote, err := s.gateway.Retry(ctx, remoteID, override)
	if err != nil {
		s.obsMetrics.RecordRetry(ctx, "error")
		return domain.Payment{}, err
	}

	payment := remote.Clone()
	payment.IntentID = previous.IntentID
	payment.Amount = previous.Amount
	payment.PaymentType = previous.PaymentType
	payment.PhoneNumber = phone
	payment.AccountReference = firstNonEmpty(remote.AccountReference, previous.AccountReference)
	payment.Description = firstNonEmpty(remote.Description, previous.Description)
	payment.CustomerID = previous.CustomerID
	payment.LoanID = previous.LoanID
	payment.RepaymentID = previous.RepaymentID
	payment.RetryCount = retries + 1
	if payment.PaymentReference == previous.PaymentReference {
		payment.PaymentReference = fmt.Sprintf("%s-R%d", previous.PaymentReference, payment.RetryCount)
	}

	snapshot, err := s.track(ctx, payment, remote)
	if err != nil {
		return domain.Payment{}, err
	}
	s.obsMetrics.RecordRetry(ctx, "accepted")
	s.log.Info("payment retried",
		zap.String("previous_reference", previous.PaymentReference),
		zap.String("payment_reference", snapshot.PaymentReference),
		zap.Int("retry_count", snapshot.RetryCount),
	)
	return snapshot, nil
}

// AwaitResult blocks until the payment's poll loop stops or ctx ends. A payment
// that is not being polled is returned as it stands.
func (s *Service) AwaitResult(ctx context.Context, reference string) (domain.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.Payment{}, domain.ErrInvalidReference
	}
	if job, ok := s.poller.Active(reference); ok {
		return job.Wait(ctx)
	}

	tr, err := s.lookup(ctx, domain.StatusQuery{PaymentReference: reference})
	if err != nil {
		return domain.Payment{}, err
	}
	if tr == nil {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	if tr.IsTerminal() {
		return tr.Snapshot(), nil
	}
	job, _, err := s.poller.Start(ctx, tr)
	if err != nil {
		return tr.Snapshot(), err
	}
	return job.Wait(ctx)
}

// Resume restarts polling for payments left PROCESSING by a previous run.
func (s *Service) Resume(ctx context.Context) (int, error) {
	resumed := 0
	after := ""
	for {
		live, err := s.repo.ListLive(ctx, s.db, after, resumeBatchSize)
		if err != nil {
			return resumed, err
		}
		for _, payment := range live {
			tr := s.adopt(payment)
			if tr.Status() != domain.PaymentStatusProcessing {
				continue
			}
			if _, started, err := s.poller.Start(ctx, tr); err == nil && started {
				resumed++
			}
		}
		if len(live) < resumeBatchSize {
			break
		}
		after = live[len(live)-1].PaymentReference
	}
	if resumed > 0 {
		s.log.Info("resumed polling", zap.Int("count", resumed))
	}
	return resumed, nil
}

// Shutdown stops every poll loop. Applied transitions are kept.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.poller.Shutdown(ctx)
}

// track registers a new attempt, persists it as PENDING and folds in the
// gateway acknowledgement.
func (s *Service) track(ctx context.Context, payment domain.Payment, remote domain.Payment) (domain.Payment, error) {
	payment.ResultCode = nil
	payment.CompletedAt = nil
	tr := tracker.New(payment, s.clock, tracker.WithTransitionHook(s.onTransition))
	pending := tr.Snapshot()
	if err := s.repo.SavePayment(ctx, s.db, &pending); err != nil {
		return domain.Payment{}, err
	}
	s.register(tr, pending)

	log := logger.WithPayment(logger.WithContext(ctx, s.log), pending.PaymentReference, remote.CheckoutRequestID)
	if _, err := tr.Observe(remote); err != nil {
		s.logInvariant(ctx, pending.PaymentReference, err)
	}
	if tr.Status() == domain.PaymentStatusPending {
		log.Warn("gateway did not acknowledge the push request")
	}
	s.ensurePolling(ctx, tr)
	return tr.Snapshot(), nil
}

func (s *Service) ensurePolling(ctx context.Context, tr *tracker.Tracker) {
	if tr.Status() != domain.PaymentStatusProcessing {
		return
	}
	if _, _, err := s.poller.Start(ctx, tr); err != nil && !errors.Is(err, domain.ErrNotPollable) {
		logger.WithContext(ctx, s.log).Warn("poll loop not started",
			zap.String("payment_reference", tr.Reference()),
			zap.Error(err),
		)
	}
}

func (s *Service) findForRetry(ctx context.Context, paymentID string) (domain.Payment, error) {
	tr, err := s.lookup(ctx, domain.StatusQuery{PaymentReference: paymentID})
	if err != nil {
		return domain.Payment{}, err
	}
	if tr != nil {
		return tr.Snapshot(), nil
	}
	stored, err := s.repo.FindPaymentByGatewayID(ctx, s.db, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if stored == nil {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return *stored, nil
}

func (s *Service) allowPhone(ctx context.Context, phone string) error {
	if _, err := s.limiter.AllowPhone(ctx, phone); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return err
		}
		// A limiter outage never blocks payments.
		s.log.Warn("initiation rate limit unavailable", zap.Error(err))
	}
	return nil
}

func (s *Service) logInvariant(ctx context.Context, reference string, err error) {
	if !errors.Is(err, domain.ErrInvariantViolation) {
		return
	}
	logger.WithContext(ctx, s.log).Error("invariant violation",
		zap.String("payment_reference", reference),
		zap.Error(err),
	)
}

func validateInitiate(req domain.InitiateRequest) (domain.InitiateRequest, error) {
	if !req.Amount.IsPositive() {
		return req, domain.ErrInvalidAmount
	}
	phone, err := domain.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return req, err
	}
	req.PhoneNumber = phone
	paymentType, ok := domain.ParsePaymentType(string(req.PaymentType))
	if !ok {
		return req, domain.ErrInvalidPaymentType
	}
	req.PaymentType = paymentType
	req.AccountReference = strings.TrimSpace(req.AccountReference)
	req.Description = strings.TrimSpace(req.Description)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.LoanID = strings.TrimSpace(req.LoanID)
	req.RepaymentID = strings.TrimSpace(req.RepaymentID)
	return req, nil
}

func checkRetryable(p domain.Payment) error {
	if !p.Status.Retryable() {
		return domain.ErrRetryNotAllowed
	}
	if p.Status == domain.PaymentStatusTimeout && p.LateStatus == domain.PaymentStatusSuccessful {
		return domain.ErrAlreadySettled
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
