package model

import "time"

// Account holds the OAuth credentials of one upstream ERP connection.
type Account struct {
	Name         string `json:"name"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	ExpiresAt    int64  `json:"expires_at"` // epoch seconds
}

// ValidFor reports whether the stored access token remains usable for at
// least skew past now.
func (a *Account) ValidFor(now time.Time, skew time.Duration) bool {
	if a.AccessToken == "" {
		return false
	}
	return a.ExpiresAt > now.Add(skew).Unix()
}
