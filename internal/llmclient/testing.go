package llmclient

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cogloop/cogloop/internal/config"
)

// NewRouterForTest builds a Router around a caller-supplied Transport,
// bypassing provider resolution. Exported for use by other packages'
// driver tests (planner/executor/reflector), which need a Router but must
// not depend on a live model provider.
func NewRouterForTest(cfg config.LLMRouterConfig, transport Transport) *Router {
	r := &Router{
		cfg:           cfg,
		logger:        zap.NewNop(),
		bus:           nil,
		transports:    make(map[string]Transport),
		limiters:      make(map[string]*rate.Limiter),
		modelSettings: make(map[string]config.LLMModelConfig),
	}
	for _, name := range []string{cfg.PlannerModel, cfg.ExecutorModel, cfg.ReflectorModel} {
		if name == "" {
			continue
		}
		r.transports[name] = transport
		r.limiters[name] = rate.NewLimiter(rate.Inf, 1)
		r.modelSettings[name] = config.LLMModelConfig{Model: name}
	}
	return r
}
