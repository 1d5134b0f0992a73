package runner

import (
	"context"
	"fmt"
	"math"
	"strings"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/checks/providers"
)

type ReviewSource interface {
	Reviews(ctx context.Context, placeID string) ([]providers.Review, error)
}

// ReviewMatching imports the place's reviews and counts the ones that mention the item keyword.
type ReviewMatching struct {
	source ReviewSource
}

func NewReviewMatching(source ReviewSource) *ReviewMatching {
	return &ReviewMatching{source: source}
}

func (r *ReviewMatching) Type() batchdomain.CheckType { return batchdomain.CheckReviewMatching }

func (r *ReviewMatching) Execute(ctx context.Context, req domain.CheckRequest) (domain.Metric, error) {
	params := req.Params()
	if strings.TrimSpace(params.PlaceID) == "" {
		return nil, fmt.Errorf("%w: place_id is required", domain.ErrInvalidParams)
	}
	keyword := strings.TrimSpace(req.Item.Label)
	if keyword == "" {
		return nil, domain.ErrInvalidItem
	}

	reviews, err := r.source.Reviews(ctx, params.PlaceID)
	if err != nil {
		return nil, deferIfRateLimited(err)
	}

	matched := make([]string, 0)
	ratingSum := 0.0
	for _, review := range reviews {
		if !containsPhrase(review.Text, keyword) {
			continue
		}
		matched = append(matched, review.ID)
		ratingSum += review.Rating
	}

	metric := domain.Metric{
		"keyword":            keyword,
		"reviews_scanned":    len(reviews),
		"matches":            len(matched),
		"matched_review_ids": matched,
		"average_rating":     nil,
	}
	if len(matched) > 0 {
		metric["average_rating"] = math.Round(ratingSum/float64(len(matched))*100) / 100
	}
	return metric, nil
}
