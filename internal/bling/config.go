package bling

import "time"

const (
	// ProductionAPIURL is the v3 REST base URL.
	ProductionAPIURL = "https://api.bling.com.br/Api/v3"
	// ProductionTokenURL is the OAuth2 token endpoint.
	ProductionTokenURL = "https://www.bling.com.br/Api/v3/oauth/token"
)

// Config holds upstream API settings.
type Config struct {
	APIBaseURL  string
	TokenURL    string
	HTTPTimeout time.Duration

	// MaxAttempts bounds the requests issued by one Fetch, whatever their outcome.
	MaxAttempts      int
	RateLimitWait    time.Duration // scaled by attempt when Retry-After is absent
	RateLimitMaxWait time.Duration
	ServerErrorWait  time.Duration
	NetworkErrorWait time.Duration
	RequestsPerSec   float64 // per account; 0 disables client-side limiting

	RefreshRetryWait   time.Duration
	RefreshMaxAttempts int
	// TokenSkew is the remaining validity under which a token is refreshed.
	TokenSkew time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:         ProductionAPIURL,
		TokenURL:           ProductionTokenURL,
		HTTPTimeout:        30 * time.Second,
		MaxAttempts:        20,
		RateLimitWait:      5 * time.Second,
		RateLimitMaxWait:   60 * time.Second,
		ServerErrorWait:    5 * time.Second,
		NetworkErrorWait:   5 * time.Second,
		RequestsPerSec:     3,
		RefreshRetryWait:   60 * time.Second,
		RefreshMaxAttempts: 3,
		TokenSkew:          60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.APIBaseURL == "" {
		c.APIBaseURL = d.APIBaseURL
	}
	if c.TokenURL == "" {
		c.TokenURL = d.TokenURL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RateLimitMaxWait <= 0 {
		c.RateLimitMaxWait = d.RateLimitMaxWait
	}
	if c.RefreshMaxAttempts <= 0 {
		c.RefreshMaxAttempts = d.RefreshMaxAttempts
	}
	if c.TokenSkew < 0 {
		c.TokenSkew = 0
	}
}
