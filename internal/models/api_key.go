package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the service level attached to an API key.
type Tier string

const (
	TierUnauthenticated Tier = "unauthenticated"
	TierBasic           Tier = "basic"
	TierPremium         Tier = "premium"
	TierEnterprise      Tier = "enterprise"
)

// ParseTier accepts the tiers that can be assigned to a key.
// "unauthenticated" is reserved for anonymous callers and is rejected.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierBasic, TierPremium, TierEnterprise:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// UsageCounter tracks successful validations of a key.
type UsageCounter struct {
	Requests    int64     `json:"requests"`
	LastRequest time.Time `json:"last_request,omitempty"`
}

// APIKey is a caller identity. The raw secret is never stored; records are
// indexed by the key digest and carry only a display preview.
type APIKey struct {
	KeyHash   string       `json:"key_hash"`
	Preview   string       `json:"preview"`
	Name      string       `json:"name"`
	Tier      Tier         `json:"tier"`
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"created_at"`
	LastUsed  *time.Time   `json:"last_used,omitempty"` // nil until first validation
	Usage     UsageCounter `json:"usage"`
}

// APIKeyView is the redacted listing shape.
type APIKeyView struct {
	Preview   string       `json:"preview"`
	Name      string       `json:"name"`
	Tier      Tier         `json:"tier"`
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"created_at"`
	LastUsed  *time.Time   `json:"last_used"`
	Usage     UsageCounter `json:"usage"`
}

// View returns the redacted form of k.
func (k APIKey) View() APIKeyView {
	return APIKeyView{
		Preview:   k.Preview,
		Name:      k.Name,
		Tier:      k.Tier,
		Enabled:   k.Enabled,
		CreatedAt: k.CreatedAt,
		LastUsed:  k.LastUsed,
		Usage:     k.Usage,
	}
}

// KeySeed is a configured key entry ("key:name:tier").
type KeySeed struct {
	Key  string
	Name string
	Tier Tier
}
