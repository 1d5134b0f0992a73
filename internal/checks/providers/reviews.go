package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/checkledger/internal/config"
	"github.com/tidwall/gjson"
)

type Review struct {
	ID     string
	Author string
	Rating float64
	Text   string
}

type ReviewsClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewReviewsClient(cfg config.Config) *ReviewsClient {
	return &ReviewsClient{
		baseURL:    strings.TrimSpace(cfg.Providers.ReviewsAPIURL),
		apiKey:     cfg.Providers.ReviewsAPIKey,
		httpClient: newHTTPClient(cfg.Providers.HTTPTimeout),
	}
}

// Reviews imports the most recent page of reviews for a place.
func (c *ReviewsClient) Reviews(ctx context.Context, placeID string) ([]Review, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	params := url.Values{}
	params.Set("engine", "google_maps_reviews")
	params.Set("place_id", placeID)
	params.Set("sort_by", "newestFirst")
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	body, err := getJSON(ctx, c.httpClient, "reviews", c.baseURL, params)
	if err != nil {
		return nil, err
	}

	var out []Review
	body.Get("reviews").ForEach(func(_, value gjson.Result) bool {
		out = append(out, Review{
			ID:     value.Get("review_id").String(),
			Author: value.Get("user.name").String(),
			Rating: value.Get("rating").Float(),
			Text:   value.Get("snippet").String(),
		})
		return true
	})
	return out, nil
}
