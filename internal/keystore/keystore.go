// Package keystore owns the API key registry: identities, tiers and per-key
// usage counters.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/pkg/store"
)

const (
	// MinKeyLength is the shortest key AddKey accepts.
	MinKeyLength = 32

	keyPrefix = "sk_scan_"

	// DemoKey is seeded only in development when no keys are configured.
	DemoKey = "demo_key_for_local_development_only_0001"
)

var (
	ErrInvalidKey  = errors.New("invalid or disabled API key")
	ErrKeyTooShort = fmt.Errorf("API key must be at least %d characters", MinKeyLength)
	ErrKeyExists   = errors.New("API key already exists")
	ErrInvalidTier = errors.New("invalid tier")
)

// Digest returns the hex SHA-256 of a raw key. Records are stored under it.
func Digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Preview returns the first 8 and last 4 characters of a key.
func Preview(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

type KeyStore struct {
	store store.Store[models.APIKey]
	now   func() time.Time
}

type Option func(*KeyStore)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(ks *KeyStore) { ks.now = now }
}

func New(s store.Store[models.APIKey], opts ...Option) *KeyStore {
	ks := &KeyStore{store: s, now: time.Now}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// Validate checks the key and records one use of it.
func (ks *KeyStore) Validate(ctx context.Context, key string) (*models.APIKey, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	now := ks.now()
	rec, err := ks.store.Update(ctx, Digest(key), func(cur models.APIKey, exists bool) (models.APIKey, store.Op, error) {
		if !exists || !cur.Enabled {
			return cur, store.OpNone, ErrInvalidKey
		}
		cur.Usage.Requests++
		cur.Usage.LastRequest = now
		cur.LastUsed = &now
		return cur, store.OpPut, nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidKey) {
			return nil, fmt.Errorf("failed to validate key: %w", err)
		}
		return nil, err
	}
	return &rec, nil
}

// LookupTier returns the tier of an enabled key without touching its usage.
func (ks *KeyStore) LookupTier(ctx context.Context, key string) (models.Tier, bool) {
	if key == "" {
		return "", false
	}
	rec, ok, err := ks.store.Get(ctx, Digest(key))
	if err != nil || !ok || !rec.Enabled {
		return "", false
	}
	return rec.Tier, true
}

func (ks *KeyStore) AddKey(ctx context.Context, key string, tier models.Tier, name string) error {
	if len(key) < MinKeyLength {
		return ErrKeyTooShort
	}
	if _, err := models.ParseTier(string(tier)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	rec := models.APIKey{
		KeyHash:   Digest(key),
		Preview:   Preview(key),
		Name:      name,
		Tier:      tier,
		Enabled:   true,
		CreatedAt: ks.now(),
	}
	_, err := ks.store.Update(ctx, rec.KeyHash, func(_ models.APIKey, exists bool) (models.APIKey, store.Op, error) {
		if exists {
			return rec, store.OpNone, ErrKeyExists
		}
		return rec, store.OpPut, nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("key", rec.Preview).Str("name", name).Str("tier", string(tier)).Msg("API key added")
	return nil
}

// Disable reports whether the key exists. Disabling twice is a no-op.
func (ks *KeyStore) Disable(ctx context.Context, key string) (bool, error) {
	found := false
	_, err := ks.store.Update(ctx, Digest(key), func(cur models.APIKey, exists bool) (models.APIKey, store.Op, error) {
		if !exists {
			return cur, store.OpNone, nil
		}
		found = true
		if !cur.Enabled {
			return cur, store.OpNone, nil
		}
		cur.Enabled = false
		return cur, store.OpPut, nil
	})
	if err != nil {
		return false, err
	}
	if found {
		log.Info().Str("key", Preview(key)).Msg("API key disabled")
	}
	return found, nil
}

// GenerateAPIKey returns "sk_scan_" followed by 256 random bits in hex.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

// List returns redacted views of every key, oldest first.
func (ks *KeyStore) List(ctx context.Context) ([]models.APIKeyView, error) {
	var keys []models.APIKey
	err := ks.store.Range(ctx, func(_ string, k models.APIKey) bool {
		keys = append(keys, k)
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })

	views := make([]models.APIKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, k.View())
	}
	return views, nil
}

func (ks *KeyStore) GetUsage(ctx context.Context, key string) (models.UsageCounter, bool, error) {
	rec, ok, err := ks.store.Get(ctx, Digest(key))
	if err != nil || !ok {
		return models.UsageCounter{}, false, err
	}
	return rec.Usage, true, nil
}

// Seed loads configured keys. With none configured and dev set, the demo key
// is installed instead. Keys already present are left alone.
func (ks *KeyStore) Seed(ctx context.Context, entries []models.KeySeed, dev bool) error {
	if len(entries) == 0 {
		if !dev {
			log.Warn().Msg("No API keys configured")
			return nil
		}
		entries = []models.KeySeed{{Key: DemoKey, Name: "Demo Key", Tier: models.TierBasic}}
		log.Warn().Str("key", DemoKey).Msg("Development mode: seeding demo API key")
	}

	for _, e := range entries {
		if err := ks.AddKey(ctx, e.Key, e.Tier, e.Name); err != nil {
			if errors.Is(err, ErrKeyExists) {
				continue
			}
			return fmt.Errorf("failed to seed key %s: %w", Preview(e.Key), err)
		}
	}
	return nil
}
