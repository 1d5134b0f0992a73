package runner

import (
	"fmt"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/checks/providers"
	"github.com/smallbiznis/checkledger/internal/ratelimit"
	"go.uber.org/fx"
)

type Registry struct {
	runners map[batchdomain.CheckType]domain.Runner
}

func NewRegistry(runners ...domain.Runner) *Registry {
	r := &Registry{runners: make(map[batchdomain.CheckType]domain.Runner, len(runners))}
	for _, runner := range runners {
		r.runners[runner.Type()] = runner
	}
	return r
}

func (r *Registry) Get(checkType batchdomain.CheckType) (domain.Runner, error) {
	runner, ok := r.runners[checkType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunnerNotRegistered, checkType)
	}
	return runner, nil
}

type Params struct {
	fx.In

	Serp    *providers.SerpClient
	Maps    *providers.MapsClient
	Reviews *providers.ReviewsClient
	Probers map[string]providers.Prober
	Limiter *ratelimit.ProviderLimiter `optional:"true"`
}

// NewDefaultRegistry wires the four production runners to their provider clients.
func NewDefaultRegistry(p Params) *Registry {
	var limiter Limiter
	if p.Limiter.Enabled() {
		limiter = p.Limiter
	}
	return NewRegistry(
		WithLimit(NewSearchRank(p.Serp), limiter, "serp"),
		NewLLMVisibility(p.Probers, limiter),
		WithLimit(NewGeoGrid(p.Maps), limiter, "maps"),
		WithLimit(NewReviewMatching(p.Reviews), limiter, "reviews"),
	)
}
