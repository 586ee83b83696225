package breaker

import (
	"log/slog"
	"time"

	"github.com/fidcgate/fidcgate/internal/config"
)

// Policy names registered at startup. The session-store and upstream
// dependencies get dedicated tuning; everything else shares the default.
const (
	PolicyDefault    = "default"
	PolicyRedis      = "redis"
	PolicyDownstream = "downstream"
)

// Registry holds the named breakers for the process lifetime. Lookups after
// construction are read-only, so no synchronization is needed on Get.
type Registry struct {
	breakers map[string]*Breaker
	fallback *Breaker
}

// NewRegistry builds the registry from config, one breaker per named policy.
// The optional onStateChange hook is attached to every breaker (used for the
// breaker-state metrics gauge).
func NewRegistry(cfg config.BreakersConfig, logger *slog.Logger, onStateChange func(name string, from, to State)) *Registry {
	build := func(name string, bc config.BreakerConfig) *Breaker {
		return New(Settings{
			Name:             name,
			FailureRate:      bc.FailureRate,
			SlowRate:         bc.SlowRate,
			SlowCallDuration: config.MustParseDuration(bc.SlowCallDuration, 2*time.Second),
			OpenTimeout:      config.MustParseDuration(bc.OpenTimeout, 30*time.Second),
			Window:           bc.Window,
			MinCalls:         bc.MinCalls,
			HalfOpenProbes:   bc.HalfOpenProbes,
			OnStateChange:    onStateChange,
		}, logger)
	}

	def := build(PolicyDefault, cfg.Default)
	return &Registry{
		breakers: map[string]*Breaker{
			PolicyDefault:    def,
			PolicyRedis:      build(PolicyRedis, cfg.Redis),
			PolicyDownstream: build(PolicyDownstream, cfg.Downstream),
		},
		fallback: def,
	}
}

// Get returns the breaker for the named policy, or the default breaker when
// the name is unknown.
func (r *Registry) Get(name string) *Breaker {
	if b, ok := r.breakers[name]; ok {
		return b
	}
	return r.fallback
}
