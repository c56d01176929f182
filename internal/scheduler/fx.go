package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/mpesa/service"
	"github.com/smallbiznis/stkpay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(provideScheduler),
	fx.Invoke(NewScheduler),
)

func ProvideConfig() Config {
	return DefaultConfig()
}

type schedulerParams struct {
	fx.In

	Config  Config
	Clock   clock.Clock
	Log     *zap.Logger
	GenID   *snowflake.Node
	Service *service.Service
	Locker  *ratelimit.Locker `optional:"true"`
}

func provideScheduler(p schedulerParams) *Scheduler {
	if p.Locker == nil {
		return New(p.Config, p.Clock, p.Log, p.GenID, p.Service, nil)
	}
	return New(p.Config, p.Clock, p.Log, p.GenID, p.Service, p.Locker)
}

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})

			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
