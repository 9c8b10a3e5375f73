// Package atlassian provides Jira and Confluence source clients for the
// sync engine. Both talk to the Atlassian Cloud REST APIs over plain HTTP
// with basic auth and a client-side rate limiter, and implement
// syncer.Source.
package atlassian

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// defaultRequestsPerSecond is the client-side throttle applied to all
// Atlassian API calls. Cloud sites enforce rate limits per account; staying
// well under them avoids 429 churn during full enumerations.
const defaultRequestsPerSecond = 5

// Config holds the shared Atlassian connection settings.
type Config struct {
	// BaseURL is the site base URL (https://<site>.atlassian.net).
	BaseURL string
	// Email is the account email for basic auth.
	Email string
	// APIToken is the API token paired with Email.
	APIToken string
	// RequestsPerSecond overrides the client-side throttle (0 = default).
	RequestsPerSecond float64
}

// client is the shared HTTP plumbing for both source clients.
type client struct {
	baseURL  string
	email    string
	apiToken string
	limiter  *rate.Limiter
	http     *http.Client
}

func newClient(cfg *Config) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("atlassian: base URL is required")
	}
	if cfg.Email == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("atlassian: email and API token are required")
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		apiToken: cfg.APIToken,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		http:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// getJSON performs a throttled GET against path with the given query params
// and decodes the JSON response into out.
func (c *client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("atlassian: rate limiter: %w", err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("atlassian: create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("atlassian: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("atlassian: %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("atlassian: decode %s response: %w", path, err)
	}
	return nil
}

// jqlTime formats a time for JQL/CQL comparison clauses ("2024-01-15 10:30").
func jqlTime(t time.Time) string {
	return t.Format("2006-01-02 15:04")
}

// splitCSV splits a comma-separated config value into trimmed, non-empty parts.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
