package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const maxErrorBodyBytes = 512

var (
	// ErrRateLimited is returned when a provider answers 429.
	ErrRateLimited     = errors.New("provider_rate_limited")
	ErrNotConfigured   = errors.New("provider_not_configured")
	ErrInvalidResponse = errors.New("provider_invalid_response")
)

// Error is a non-2xx provider response.
type Error struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// getJSON issues a GET and returns the parsed body. Only the fields a caller reads are decoded.
func getJSON(ctx context.Context, client *http.Client, provider, baseURL string, query url.Values) (gjson.Result, error) {
	endpoint := baseURL
	if encoded := query.Encode(); encoded != "" {
		sep := "?"
		if strings.Contains(baseURL, "?") {
			sep = "&"
		}
		endpoint += sep + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: send request: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: read response: %w", provider, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return gjson.Result{}, fmt.Errorf("%s: %w", provider, ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(body)
		if len(text) > maxErrorBodyBytes {
			text = text[:maxErrorBodyBytes]
		}
		return gjson.Result{}, &Error{Provider: provider, StatusCode: resp.StatusCode, Body: text}
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s: %w", provider, ErrInvalidResponse)
	}
	parsed := gjson.ParseBytes(body)
	if msg := parsed.Get("error"); msg.Exists() && msg.String() != "" {
		return gjson.Result{}, &Error{Provider: provider, StatusCode: resp.StatusCode, Body: msg.String()}
	}
	return parsed, nil
}

// IsRateLimited also recognizes SDK errors that only carry the status code in their message.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "resource_exhausted")
}
