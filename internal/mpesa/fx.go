package mpesa

import (
	"context"
	"net/http"
	"time"

	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/config"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/internal/mpesa/gateway"
	"github.com/smallbiznis/stkpay/internal/mpesa/poller"
	"github.com/smallbiznis/stkpay/internal/mpesa/repository"
	"github.com/smallbiznis/stkpay/internal/mpesa/service"
	obsmetrics "github.com/smallbiznis/stkpay/internal/observability/metrics"
	"github.com/smallbiznis/stkpay/internal/observability/tracing"
	"github.com/smallbiznis/stkpay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("mpesa",
	fx.Provide(
		repository.Provide,
		provideGateway,
		providePoller,
		service.NewService,
		func(s *service.Service) domain.Service { return s },
	),
	fx.Invoke(registerLifecycle),
)

type gatewayParams struct {
	fx.In

	Config     config.Config
	Policy     *config.PolicyHolder
	Log        *zap.Logger
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func provideGateway(p gatewayParams) domain.Gateway {
	return gateway.NewClient(gateway.Config{
		BaseURL:        p.Config.Gateway.BaseURL,
		APIKey:         p.Config.Gateway.APIKey,
		RequestTimeout: p.Config.Gateway.RequestTimeout,
		PollInterval:   func() time.Duration { return p.Policy.Get().PollInterval },
	}, tracing.WrapHTTPClient(&http.Client{}, "mpesa.gateway"), p.Log, p.ObsMetrics, p.Clock)
}

type pollerParams struct {
	fx.In

	Gateway       domain.Gateway
	Clock         clock.Clock
	Log           *zap.Logger
	Policy        *config.PolicyHolder
	Locker        *ratelimit.Locker         `optional:"true"`
	PollerMetrics *obsmetrics.PollerMetrics `optional:"true"`
}

func providePoller(p pollerParams) *poller.Poller {
	opts := []poller.Option{
		poller.WithPolicy(func() poller.Config {
			policy := p.Policy.Get()
			return poller.Config{
				Interval:    policy.PollInterval,
				MaxAttempts: policy.PollMaxAttempts,
			}
		}),
		poller.WithMetrics(p.PollerMetrics),
	}
	if p.Locker != nil {
		opts = append(opts, poller.WithLease(p.Locker, 0))
	}
	return poller.New(p.Gateway, p.Clock, p.Log, opts...)
}

func registerLifecycle(lc fx.Lifecycle, svc *service.Service, log *zap.Logger) {
	log = log.Named("mpesa")
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := svc.Resume(ctx); err != nil {
				log.Warn("resume polling failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return svc.Shutdown(ctx)
		},
	})
}
