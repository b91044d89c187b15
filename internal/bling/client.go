package bling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bling-sync-api/internal/model"
)

const maxBodyBytes = 10 << 20

// Endpoint is the REST resource path of an entity kind.
type Endpoint string

const (
	EndpointOrders   Endpoint = "pedidos/vendas"
	EndpointProducts Endpoint = "produtos"
)

// EndpointFor maps an event to the resource holding its entity detail.
func EndpointFor(kind model.EventKind) (Endpoint, bool) {
	switch {
	case kind.IsOrder():
		return EndpointOrders, true
	case kind.IsProduct():
		return EndpointProducts, true
	}
	return "", false
}

// TokenSource hands out access tokens. TokenManager implements it.
type TokenSource interface {
	Acquire(ctx context.Context, account string) (string, error)
	Refresh(ctx context.Context, account, stale string) (string, error)
}

// Client fetches entity detail from the upstream REST API. It never touches
// the store; callers persist the returned document afterwards.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens TokenSource
	log    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a Client.
func NewClient(cfg Config, tokens TokenSource, httpClient *http.Client, log *zap.Logger) *Client {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		tokens:   tokens,
		log:      log.Named("BlingClient"),
		sleep:    sleepCtx,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(account string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[account]
	if !ok {
		if c.cfg.RequestsPerSec <= 0 {
			l = rate.NewLimiter(rate.Inf, 1)
		} else {
			burst := int(c.cfg.RequestsPerSec)
			if burst < 1 {
				burst = 1
			}
			l = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSec), burst)
		}
		c.limiters[account] = l
	}
	return l
}

// Fetch returns the entity document for (endpoint, entityID). A 404 yields
// an empty document and no error. Every request counts toward MaxAttempts,
// including those answered 429, 5xx or 401.
func (c *Client) Fetch(ctx context.Context, endpoint Endpoint, entityID int64, account string) (model.Document, error) {
	token, err := c.tokens.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/%d", strings.TrimRight(c.cfg.APIBaseURL, "/"), endpoint, entityID)
	apiErr := func(status int, err error) *APIError {
		return &APIError{Endpoint: endpoint, EntityID: entityID, StatusCode: status, Err: err}
	}
	log := c.log.With(zap.String("account", account), zap.String("endpoint", string(endpoint)), zap.Int64("entity_id", entityID))

	refreshed := false
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter(account).Wait(ctx); err != nil {
			return nil, apiErr(0, err)
		}

		status, header, body, err := c.get(ctx, url, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apiErr(0, ctx.Err())
			}
			log.Warn("request failed", zap.Int("attempt", attempt), zap.Error(err))
			if err := c.sleep(ctx, c.cfg.NetworkErrorWait); err != nil {
				return nil, apiErr(0, err)
			}
			continue
		}

		switch {
		case status == http.StatusOK:
			doc, err := unwrapData(body)
			if err != nil {
				return nil, apiErr(status, err)
			}
			return doc, nil

		case status == http.StatusNotFound:
			log.Info("entity not found upstream")
			return model.Document{}, nil

		case status == http.StatusTooManyRequests:
			wait := c.rateLimitWait(header, attempt)
			log.Warn("rate limited", zap.Int("attempt", attempt), zap.Duration("wait", wait))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, apiErr(status, err)
			}

		case status >= 500:
			log.Warn("upstream server error", zap.Int("status", status), zap.Int("attempt", attempt))
			if err := c.sleep(ctx, c.cfg.ServerErrorWait); err != nil {
				return nil, apiErr(status, err)
			}

		case status == http.StatusUnauthorized:
			if refreshed {
				return nil, apiErr(status, errors.New("unauthorized after token refresh"))
			}
			refreshed = true
			log.Warn("token rejected, forcing refresh")
			token, err = c.tokens.Refresh(ctx, account, token)
			if err != nil {
				return nil, apiErr(status, err)
			}

		default:
			log.Error("unexpected status", zap.Int("status", status))
			return nil, apiErr(status, errors.New(snippet(body)))
		}
	}

	return nil, apiErr(0, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, c.cfg.MaxAttempts))
}

func (c *Client) get(ctx context.Context, url, token string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// rateLimitWait honours Retry-After (seconds or HTTP date) and otherwise
// scales RateLimitWait by attempt, capped at RateLimitMaxWait.
func (c *Client) rateLimitWait(h http.Header, attempt int) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return capDuration(time.Duration(secs)*time.Second, c.cfg.RateLimitMaxWait)
		}
		if t, err := http.ParseTime(v); err == nil {
			return capDuration(time.Until(t), c.cfg.RateLimitMaxWait)
		}
	}
	return capDuration(c.cfg.RateLimitWait*time.Duration(attempt), c.cfg.RateLimitMaxWait)
}

func capDuration(d, max time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// unwrapData returns the object under "data". A body without one is empty.
func unwrapData(body []byte) (model.Document, error) {
	doc, err := model.DecodeDocument(body)
	if err != nil {
		return nil, fmt.Errorf("invalid response body: %w", err)
	}
	data := doc.Object("data")
	if data == nil {
		return model.Document{}, nil
	}
	return data, nil
}
