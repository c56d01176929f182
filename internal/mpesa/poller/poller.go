package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/mpesa/tracker"
	obscontext "github.com/smallbiznis/stkpay/internal/observability/context"
	"github.com/smallbiznis/stkpay/internal/observability/logger"
	"github.com/smallbiznis/stkpay/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	defaultInterval    = 3000 * time.Millisecond
	defaultMaxAttempts = 20
	defaultLeaseTTL    = 30 * time.Second

	leaseKeyPrefix = "stkpay:poll:"
)

type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// StatusQuerier is the slice of the gateway the poll loop needs.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, query domain.StatusQuery) (domain.Payment, error)
}

// Lease gives one instance ownership of a poll loop when several share a
// gateway account.
type Lease interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

type Option func(*Poller)

// WithPolicy makes every new loop read its interval and attempt budget from fn.
func WithPolicy(fn func() Config) Option {
	return func(p *Poller) { p.policy = fn }
}

func WithLease(lease Lease, ttl time.Duration) Option {
	return func(p *Poller) {
		p.lease = lease
		if ttl > 0 {
			p.leaseTTL = ttl
		}
	}
}

func WithMetrics(m *metrics.PollerMetrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// Poller runs at most one status loop per payment reference.
type Poller struct {
	gateway  StatusQuerier
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.PollerMetrics
	policy   func() Config
	lease    Lease
	leaseTTL time.Duration

	base       context.Context
	cancelBase context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*Job
}

func New(gateway StatusQuerier, clk clock.Clock, log *zap.Logger, opts ...Option) *Poller {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	p := &Poller{
		gateway:    gateway,
		clock:      clk,
		log:        log.Named("mpesa.poller"),
		policy:     func() Config { return Config{} },
		leaseTTL:   defaultLeaseTTL,
		base:       base,
		cancelBase: cancel,
		jobs:       make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling tr. A reference that is already being polled returns
// the running job with started=false.
func (p *Poller) Start(ctx context.Context, tr *tracker.Tracker) (*Job, bool, error) {
	if tr == nil {
		return nil, false, domain.ErrNotPollable
	}
	snapshot := tr.Snapshot()
	if snapshot.Status != domain.PaymentStatusProcessing || snapshot.CheckoutRequestID == "" {
		return nil, false, domain.ErrNotPollable
	}
	reference := snapshot.PaymentReference

	p.mu.Lock()
	if existing, ok := p.jobs[reference]; ok {
		p.mu.Unlock()
		return existing, false, nil
	}
	if p.base.Err() != nil {
		p.mu.Unlock()
		return nil, false, context.Canceled
	}

	cfg := p.policy().withDefaults()
	loopCtx, cancel := context.WithCancel(obscontext.WithPaymentReference(context.WithoutCancel(ctx), reference))
	stop := context.AfterFunc(p.base, cancel)
	job := &Job{
		reference: reference,
		tracker:   tr,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.jobs[reference] = job
	p.mu.Unlock()

	token, owned := p.acquire(loopCtx, reference)
	if !owned {
		stop()
		cancel()
		p.finish(job, metrics.PollOutcomeSkipped)
		p.metrics.IncLoopSkipped()
		return job, false, nil
	}

	p.metrics.IncLoopStarted()
	go func() {
		defer stop()
		defer cancel()
		start := p.clock.Now()
		outcome := p.run(loopCtx, job, cfg, snapshot.CheckoutRequestID, token)
		p.release(reference, token)
		p.finish(job, outcome)
		p.metrics.ObserveLoopFinished(outcome, p.clock.Now().Sub(start))
	}()
	return job, true, nil
}

func (p *Poller) run(ctx context.Context, job *Job, cfg Config, checkoutRequestID, token string) string {
	log := logger.WithContext(ctx, p.log).With(zap.String("checkout_request_id", checkoutRequestID))
	query := domain.StatusQuery{PaymentReference: job.reference, CheckoutRequestID: checkoutRequestID}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return metrics.PollOutcomeCancelled
		case <-p.clock.After(cfg.Interval):
		}
		if ctx.Err() != nil {
			return metrics.PollOutcomeCancelled
		}
		if job.tracker.IsTerminal() {
			return metrics.PollOutcomeExternal
		}
		if !p.refresh(ctx, job.reference, token) {
			log.Info("poll lease lost, stopping loop")
			return metrics.PollOutcomeSkipped
		}

		job.attempts.Store(int32(attempt))
		p.metrics.IncAttempt()
		remote, err := p.gateway.QueryStatus(ctx, query)
		if ctx.Err() != nil {
			return metrics.PollOutcomeCancelled
		}
		if err != nil {
			p.metrics.IncQueryError(err)
			log.Warn("status query failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		changed, err := job.tracker.Observe(remote)
		if err != nil {
			p.metrics.IncQueryError(err)
			if errors.Is(err, domain.ErrInvariantViolation) {
				log.Error("status query contradicts recorded result", zap.Int("attempt", attempt), zap.Error(err))
			}
			if job.tracker.IsTerminal() {
				return metrics.PollOutcomeExternal
			}
			continue
		}
		if job.tracker.IsTerminal() {
			if !changed {
				return metrics.PollOutcomeExternal
			}
			return metrics.PollOutcomeTerminal
		}
	}

	if ctx.Err() != nil {
		return metrics.PollOutcomeCancelled
	}
	if err := job.tracker.TimeOut(); err != nil {
		if job.tracker.IsTerminal() {
			return metrics.PollOutcomeExternal
		}
		log.Error("unable to time out payment", zap.Error(err))
		return metrics.PollOutcomeCancelled
	}
	log.Info("polling budget exhausted, payment timed out",
		zap.Int("attempts", cfg.MaxAttempts),
		zap.Duration("interval", cfg.Interval),
	)
	return metrics.PollOutcomeTimeout
}

func (p *Poller) acquire(ctx context.Context, reference string) (string, bool) {
	if p.lease == nil {
		return "", true
	}
	token, ok, err := p.lease.TryLock(ctx, leaseKeyPrefix+reference, p.leaseTTL)
	if err != nil {
		p.log.Warn("poll lease unavailable, polling locally",
			zap.String("payment_reference", reference),
			zap.Error(err),
		)
		return "", true
	}
	if !ok {
		p.log.Info("payment already polled by another instance", zap.String("payment_reference", reference))
	}
	return token, ok
}

func (p *Poller) refresh(ctx context.Context, reference, token string) bool {
	if p.lease == nil || token == "" {
		return true
	}
	ok, err := p.lease.Refresh(ctx, leaseKeyPrefix+reference, token, p.leaseTTL)
	if err != nil {
		return true
	}
	return ok
}

func (p *Poller) release(reference, token string) {
	if p.lease == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.lease.Release(ctx, leaseKeyPrefix+reference, token); err != nil {
		p.log.Warn("poll lease release failed", zap.String("payment_reference", reference), zap.Error(err))
	}
}

func (p *Poller) finish(job *Job, outcome string) {
	job.complete(outcome)
	p.mu.Lock()
	if p.jobs[job.reference] == job {
		delete(p.jobs, job.reference)
	}
	p.mu.Unlock()
}

// Active returns the running job for reference, if any.
func (p *Poller) Active(reference string) (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[reference]
	return job, ok
}

// ActiveCount reports how many loops are running.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Cancel stops the loop for reference. It reports whether one was running.
func (p *Poller) Cancel(reference string) bool {
	job, ok := p.Active(reference)
	if ok {
		job.Cancel()
	}
	return ok
}

// Shutdown cancels every loop and waits for them to exit or ctx to end.
// No new loop can start afterwards.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.cancelBase()
	jobs := make([]*Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		jobs = append(jobs, job)
	}
	p.mu.Unlock()

	for _, job := range jobs {
		select {
		case <-job.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
