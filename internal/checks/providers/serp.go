package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/checkledger/internal/config"
	"github.com/tidwall/gjson"
)

type OrganicResult struct {
	Position int
	Title    string
	Link     string
}

// SerpClient queries a SerpAPI-compatible web search endpoint.
type SerpClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewSerpClient(cfg config.Config) *SerpClient {
	return &SerpClient{
		baseURL:    strings.TrimSpace(cfg.Providers.SerpAPIURL),
		apiKey:     cfg.Providers.SerpAPIKey,
		httpClient: newHTTPClient(cfg.Providers.HTTPTimeout),
	}
}

func (c *SerpClient) Search(ctx context.Context, query, location string) ([]OrganicResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("num", "100")
	if location != "" {
		params.Set("location", location)
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	body, err := getJSON(ctx, c.httpClient, "serp", c.baseURL, params)
	if err != nil {
		return nil, err
	}

	var out []OrganicResult
	body.Get("organic_results").ForEach(func(_, value gjson.Result) bool {
		out = append(out, OrganicResult{
			Position: int(value.Get("position").Int()),
			Title:    value.Get("title").String(),
			Link:     value.Get("link").String(),
		})
		return true
	})
	return out, nil
}
