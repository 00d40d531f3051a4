// Package cdn submits cache invalidations to the CDN control API.
package cdn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/caravel-labs/caravel-go/internal/executor"
	"github.com/caravel-labs/caravel-go/internal/platform/env"
)

type Config struct {
	// BaseURL is the CDN control API root, e.g. https://cdn.example.com.
	BaseURL string
	// TokenURL enables the client-credentials flow: the per-stage cdn
	// token is exchanged for an access token instead of being sent as a
	// bearer directly.
	TokenURL string
	ClientID string
	Timeout  time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("CARAVEL_CDN_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL:  env.String("CARAVEL_CDN_BASE_URL", ""),
		TokenURL: env.String("CARAVEL_CDN_TOKEN_URL", ""),
		ClientID: env.String("CARAVEL_CDN_CLIENT_ID", ""),
		Timeout:  timeout,
	}, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("cdn base url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("cdn base url: %w", err)
	}
	if c.TokenURL != "" && strings.TrimSpace(c.ClientID) == "" {
		return errors.New("cdn client id is required with a token url")
	}
	return nil
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type invalidationRequest struct {
	Paths []string `json:"paths"`
}

type invalidationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Invalidate submits an invalidation for paths on the distribution and
// returns the invalidation id. Submissions carry an idempotency key
// derived from the request, so retrying after a partial failure yields
// the id of the already-accepted invalidation instead of a duplicate.
func (c *Client) Invalidate(ctx context.Context, distribution string, paths []string, authToken string) (string, error) {
	if strings.TrimSpace(distribution) == "" {
		return "", errors.New("distribution is required")
	}
	if len(paths) == 0 {
		return "", errors.New("at least one path is required")
	}

	body, err := json.Marshal(invalidationRequest{Paths: paths})
	if err != nil {
		return "", fmt.Errorf("encode invalidation: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") +
		"/v1/distributions/" + url.PathEscape(distribution) + "/invalidations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build invalidation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey(distribution, paths))

	httpClient := c.http
	if c.cfg.TokenURL != "" {
		conf := &clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: authToken,
			TokenURL:     c.cfg.TokenURL,
		}
		httpClient = conf.Client(ctx)
		httpClient.Timeout = c.cfg.Timeout
	} else {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit invalidation: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read invalidation response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusAccepted,
		// Conflict means an identical invalidation is already accepted
		// or in progress; the body names it.
		resp.StatusCode == http.StatusConflict:
		var out invalidationResponse
		if err := json.Unmarshal(payload, &out); err != nil {
			return "", fmt.Errorf("decode invalidation response: %w", err)
		}
		if out.ID == "" {
			return "", errors.New("invalidation response has no id")
		}
		return out.ID, nil
	default:
		err := fmt.Errorf("invalidation rejected: %s: %s",
			resp.Status, truncate(string(payload), 256))
		// Client-side rejections (bad request, auth, unknown
		// distribution) reproduce on retry. Rate limiting does not.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusTooManyRequests {
			return "", executor.Permanent(err)
		}
		return "", err
	}
}

func idempotencyKey(distribution string, paths []string) string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(distribution))
	for _, p := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
