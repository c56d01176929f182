package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy is the runtime-tunable part of the engine: poll cadence, retry bound
// and summary cache lifetime.
type Policy struct {
	PollInterval    time.Duration `mapstructure:"pollInterval"`
	PollMaxAttempts int           `mapstructure:"pollMaxAttempts"`
	MaxRetries      int           `mapstructure:"maxRetries"`
	SummaryCacheTTL time.Duration `mapstructure:"summaryCacheTTL"`
}

func DefaultPolicy() Policy {
	return Policy{
		PollInterval:    3 * time.Second,
		PollMaxAttempts: 20,
		MaxRetries:      3,
		SummaryCacheTTL: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = defaults.PollInterval
	}
	if p.PollMaxAttempts <= 0 {
		p.PollMaxAttempts = defaults.PollMaxAttempts
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	if p.SummaryCacheTTL <= 0 {
		p.SummaryCacheTTL = defaults.SummaryCacheTTL
	}
	return p
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p.withDefaults())
	return holder
}

// NewPolicyHolder seeds the policy from env config and overlays stkpay.yml when
// present. The file is watched and valid edits replace the current policy.
func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.policy")

	v := viper.New()

	v.SetConfigName("stkpay")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/stkpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STKPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	seed := cfg.Policy.withDefaults()
	v.SetDefault("policy.pollInterval", seed.PollInterval)
	v.SetDefault("policy.pollMaxAttempts", seed.PollMaxAttempts)
	v.SetDefault("policy.maxRetries", seed.MaxRetries)
	v.SetDefault("policy.summaryCacheTTL", seed.SummaryCacheTTL)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	var policy Policy
	if err := v.UnmarshalKey("policy", &policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated Policy
			if err := v.UnmarshalKey("policy", &updated); err != nil {
				log.Warn("policy reload failed", zap.Error(err))
				return
			}
			if err := validatePolicy(updated); err != nil {
				log.Warn("invalid policy ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("policy reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	p, ok := h.current.Load().(Policy)
	if !ok {
		return DefaultPolicy()
	}
	return p
}

func validatePolicy(p Policy) error {
	if p.PollInterval <= 0 {
		return errors.New("policy.pollInterval must be positive")
	}
	if p.PollMaxAttempts <= 0 {
		return errors.New("policy.pollMaxAttempts must be positive")
	}
	if p.MaxRetries < 0 {
		return errors.New("policy.maxRetries cannot be negative")
	}
	if p.SummaryCacheTTL < 0 {
		return errors.New("policy.summaryCacheTTL cannot be negative")
	}
	return nil
}
