package poller

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/mpesa/tracker"
)

// Job is one poll loop. Its result is the tracker snapshot taken when the
// loop stopped.
type Job struct {
	reference string
	tracker   *tracker.Tracker
	cancel    func()
	done      chan struct{}
	attempts  atomic.Int32

	mu      sync.Mutex
	outcome string
	result  domain.Payment
}

func (j *Job) Reference() string { return j.reference }

// Cancel stops future waits and queries. A transition already applied stays.
func (j *Job) Cancel() { j.cancel() }

func (j *Job) Done() <-chan struct{} { return j.done }

// Attempts is the number of status queries issued so far.
func (j *Job) Attempts() int { return int(j.attempts.Load()) }

// Wait blocks until the loop stops or ctx ends.
func (j *Job) Wait(ctx context.Context) (domain.Payment, error) {
	select {
	case <-j.done:
		payment, _ := j.Result()
		return payment, nil
	case <-ctx.Done():
		return domain.Payment{}, ctx.Err()
	}
}

// Result returns the final snapshot once the loop has stopped.
func (j *Job) Result() (domain.Payment, bool) {
	select {
	case <-j.done:
	default:
		return domain.Payment{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result.Clone(), true
}

// Outcome is empty while the loop runs.
func (j *Job) Outcome() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

func (j *Job) complete(outcome string) {
	j.mu.Lock()
	j.outcome = outcome
	j.result = j.tracker.Snapshot()
	j.mu.Unlock()
	close(j.done)
}
