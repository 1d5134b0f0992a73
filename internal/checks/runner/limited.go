package runner

import (
	"context"
	"fmt"
	"time"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/smallbiznis/checkledger/internal/checks/domain"
)

// Limiter is satisfied by ratelimit.ProviderLimiter.
type Limiter interface {
	Allow(ctx context.Context, provider string) (bool, time.Duration, error)
}

// Limited takes one provider token before every execution of the wrapped runner.
type Limited struct {
	inner    domain.Runner
	limiter  Limiter
	provider string
}

func WithLimit(inner domain.Runner, limiter Limiter, provider string) domain.Runner {
	if limiter == nil {
		return inner
	}
	return &Limited{inner: inner, limiter: limiter, provider: provider}
}

func (l *Limited) Type() batchdomain.CheckType { return l.inner.Type() }

func (l *Limited) Execute(ctx context.Context, req domain.CheckRequest) (domain.Metric, error) {
	if err := allow(ctx, l.limiter, l.provider); err != nil {
		return nil, err
	}
	return l.inner.Execute(ctx, req)
}

// allow turns an exhausted bucket, or an unreachable limiter, into a deferral.
func allow(ctx context.Context, limiter Limiter, provider string) error {
	if limiter == nil {
		return nil
	}
	ok, retryAfter, err := limiter.Allow(ctx, provider)
	if err != nil {
		return fmt.Errorf("%w: limiter: %v", domain.ErrCheckDeferred, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s retry after %s", domain.ErrCheckDeferred, provider, retryAfter)
	}
	return nil
}
