package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/checkledger/internal/config"
	"github.com/tidwall/gjson"
)

const defaultMapsZoom = 14

type LocalResult struct {
	Position int
	PlaceID  string
	Title    string
}

// MapsClient runs local-pack searches pinned to a coordinate.
type MapsClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewMapsClient(cfg config.Config) *MapsClient {
	return &MapsClient{
		baseURL:    strings.TrimSpace(cfg.Providers.MapsAPIURL),
		apiKey:     cfg.Providers.MapsAPIKey,
		httpClient: newHTTPClient(cfg.Providers.HTTPTimeout),
	}
}

func (c *MapsClient) LocalSearch(ctx context.Context, query string, lat, lng float64) ([]LocalResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	params := url.Values{}
	params.Set("engine", "google_maps")
	params.Set("type", "search")
	params.Set("q", query)
	params.Set("ll", fmt.Sprintf("@%.6f,%.6f,%dz", lat, lng, defaultMapsZoom))
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	body, err := getJSON(ctx, c.httpClient, "maps", c.baseURL, params)
	if err != nil {
		return nil, err
	}

	var out []LocalResult
	body.Get("local_results").ForEach(func(_, value gjson.Result) bool {
		out = append(out, LocalResult{
			Position: int(value.Get("position").Int()),
			PlaceID:  value.Get("place_id").String(),
			Title:    value.Get("title").String(),
		})
		return true
	})
	return out, nil
}
