// Package model defines domain structs shared across the store, cache, and
// session layers. JSON tags follow the wire contract consumed by crawler
// clients, so field names like sourceId and updatedAt are fixed.
package model

import "time"

// ProxyRecord is an immutable-per-lease snapshot of one upstream proxy.
// Identity is ID. Proxy holds the credential string "host:port[:user:pass]"
// and is the only sensitive field on the wire; when Encrypted is set the
// field carries URL-safe base64 ciphertext instead of plaintext.
type ProxyRecord struct {
	ID            int64      `json:"id"`
	Proxy         string     `json:"proxy"`
	SourceID      int64      `json:"sourceId"`
	SourceName    string     `json:"source,omitempty"`
	Priority      int        `json:"priority"`
	Blocked       bool       `json:"blocked"`
	ProviderID    *int64     `json:"provider"`
	ProviderName  *string    `json:"provider_name"`
	UpdatedAt     *time.Time `json:"updatedAt"`
	UsageInterval int        `json:"usage_interval"`
	Encrypted     bool       `json:"_encrypted,omitempty"`
}

// DefaultUsageInterval is the cool-down, in seconds, applied when a record
// carries no usage interval of its own.
const DefaultUsageInterval = 30

// Interval returns the record's cool-down as a duration, falling back to
// DefaultUsageInterval for zero or negative values.
func (p ProxyRecord) Interval() time.Duration {
	s := p.UsageInterval
	if s <= 0 {
		s = DefaultUsageInterval
	}
	return time.Duration(s) * time.Second
}

// Source is a logical partition of proxies by target site.
type Source struct {
	ID   int64  `json:"id"`
	Name string `json:"source"`
}

// Report is one client-submitted usage outcome for a proxy. Append-only.
type Report struct {
	ID         int64 `json:"id"`
	ProxyID    int64 `json:"proxy_id"`
	StatusCode int   `json:"status_code"`
}

// Status describes a known status code. Unknown codes are still stored
// verbatim in statistics; this table is a lookup, not a gate.
type Status struct {
	StatusCode       int    `json:"statusCode"`
	ShortDescription string `json:"shortDescription"`
}

// User is a control-plane login account.
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	HashedPassword string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Token is a persisted access token issued to a user.
type Token struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
