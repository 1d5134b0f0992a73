package runner

import (
	"context"
	"fmt"
	"strings"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/checks/providers"
)

type SearchClient interface {
	Search(ctx context.Context, query, location string) ([]providers.OrganicResult, error)
}

// SearchRank finds the business domain's position in organic results for the item keyword.
type SearchRank struct {
	client SearchClient
}

func NewSearchRank(client SearchClient) *SearchRank {
	return &SearchRank{client: client}
}

func (r *SearchRank) Type() batchdomain.CheckType { return batchdomain.CheckSearchRank }

func (r *SearchRank) Execute(ctx context.Context, req domain.CheckRequest) (domain.Metric, error) {
	params := req.Params()
	if strings.TrimSpace(params.Domain) == "" {
		return nil, fmt.Errorf("%w: domain is required", domain.ErrInvalidParams)
	}
	keyword := strings.TrimSpace(req.Item.Label)
	if keyword == "" {
		return nil, domain.ErrInvalidItem
	}

	results, err := r.client.Search(ctx, keyword, params.Location)
	if err != nil {
		return nil, deferIfRateLimited(err)
	}

	metric := domain.Metric{
		"keyword":         keyword,
		"found":           false,
		"position":        nil,
		"results_checked": len(results),
	}
	for i, res := range results {
		if !hostMatches(res.Link, params.Domain) {
			continue
		}
		position := res.Position
		if position <= 0 {
			position = i + 1
		}
		metric["found"] = true
		metric["position"] = position
		metric["url"] = res.Link
		break
	}
	return metric, nil
}

func deferIfRateLimited(err error) error {
	if providers.IsRateLimited(err) {
		return fmt.Errorf("%w: %v", domain.ErrCheckDeferred, err)
	}
	return err
}
