package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/checks/providers"
)

// LLMVisibility asks each selected LLM the item question and records whether the business is
// mentioned in the answer.
type LLMVisibility struct {
	probers map[string]providers.Prober
	limiter Limiter
}

func NewLLMVisibility(probers map[string]providers.Prober, limiter Limiter) *LLMVisibility {
	return &LLMVisibility{probers: probers, limiter: limiter}
}

func (r *LLMVisibility) Type() batchdomain.CheckType { return batchdomain.CheckLLMVisibility }

// Providers resolves the providers a run asked for, defaulting to every configured one.
func (r *LLMVisibility) Providers(requested []string) ([]string, error) {
	if len(requested) == 0 {
		names := make([]string, 0, len(r.probers))
		for name := range r.probers {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := r.probers[name]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownLLMProvider, name)
		}
		out = append(out, name)
	}
	return out, nil
}

func (r *LLMVisibility) Execute(ctx context.Context, req domain.CheckRequest) (domain.Metric, error) {
	params := req.Params()
	if strings.TrimSpace(params.BusinessName) == "" {
		return nil, fmt.Errorf("%w: business_name is required", domain.ErrInvalidParams)
	}
	question := strings.TrimSpace(req.Item.Label)
	if question == "" {
		return nil, domain.ErrInvalidItem
	}

	names, err := r.Providers(params.LLMProviders)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no llm provider configured", providers.ErrNotConfigured)
	}

	// Every provider's token is taken before the first call, so a deferral discards no answer.
	for _, name := range names {
		if err := allow(ctx, r.limiter, name); err != nil {
			return nil, err
		}
	}

	prompt := buildVisibilityPrompt(question, params.Location)
	perProvider := map[string]any{}
	mentioned := 0
	var errs []error
	for _, name := range names {
		answer, err := r.probers[name].Ask(ctx, prompt)
		if err != nil {
			if providers.IsRateLimited(err) {
				return nil, deferIfRateLimited(err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		hit := containsPhrase(answer, params.BusinessName) ||
			(params.Domain != "" && strings.Contains(strings.ToLower(answer), normalizeHost(params.Domain)))
		if hit {
			mentioned++
		}
		perProvider[name] = map[string]any{"mentioned": hit}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return domain.Metric{
		"question":        question,
		"providers":       perProvider,
		"mentioned_count": mentioned,
		"visible":         mentioned > 0,
	}, nil
}

func buildVisibilityPrompt(question, location string) string {
	if location == "" {
		return question
	}
	return fmt.Sprintf("%s (near %s)", question, location)
}
