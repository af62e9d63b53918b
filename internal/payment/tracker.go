package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/pkg/store"
)

// Retention is how long a payment record is kept.
const Retention = 24 * time.Hour

// Tracker records completed payments by scan id. Each proof it has seen is
// bound to exactly one scan id, so a proof cannot pay for two scans.
type Tracker struct {
	records store.Store[models.PaymentRecord]
	proofs  store.Store[models.ProofClaim]
	now     func() time.Time
}

type TrackerOption func(*Tracker)

// WithTrackerClock overrides time.Now.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(records store.Store[models.PaymentRecord], proofs store.Store[models.ProofClaim], opts ...TrackerOption) *Tracker {
	t := &Tracker{records: records, proofs: proofs, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) stamp(scanID string, rec models.PaymentRecord) models.PaymentRecord {
	rec.ScanID = scanID
	rec.Status = models.PaymentCompleted
	rec.Timestamp = t.now()
	return rec
}

// Record stores a completed payment, replacing any previous record for scanID.
func (t *Tracker) Record(ctx context.Context, scanID string, rec models.PaymentRecord) (models.PaymentRecord, error) {
	rec = t.stamp(scanID, rec)
	if err := t.records.Set(ctx, scanID, rec); err != nil {
		return models.PaymentRecord{}, fmt.Errorf("failed to record payment %s: %w", scanID, err)
	}
	return rec, nil
}

// RecordOnce stores rec only if scanID has no record yet. It returns the
// record now held for scanID and whether this call created it.
func (t *Tracker) RecordOnce(ctx context.Context, scanID string, rec models.PaymentRecord) (models.PaymentRecord, bool, error) {
	rec = t.stamp(scanID, rec)
	created := false
	held, err := t.records.Update(ctx, scanID, func(cur models.PaymentRecord, exists bool) (models.PaymentRecord, store.Op, error) {
		if exists {
			return cur, store.OpNone, nil
		}
		created = true
		return rec, store.OpPut, nil
	})
	if err != nil {
		return models.PaymentRecord{}, false, fmt.Errorf("failed to record payment %s: %w", scanID, err)
	}
	return held, created, nil
}

// ClaimProof binds digest to scanID unless a live claim already binds it to
// another scan. It returns the scan id the proof is bound to afterwards.
func (t *Tracker) ClaimProof(ctx context.Context, digest, scanID string) (string, error) {
	now := t.now()
	held, err := t.proofs.Update(ctx, digest, func(cur models.ProofClaim, exists bool) (models.ProofClaim, store.Op, error) {
		if exists && (cur.ScanID == scanID || now.Sub(cur.ClaimedAt) <= Retention) {
			return cur, store.OpNone, nil
		}
		return models.ProofClaim{ScanID: scanID, ClaimedAt: now}, store.OpPut, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to claim proof for %s: %w", scanID, err)
	}
	return held.ScanID, nil
}

// ReleaseProof drops the claim of scanID on digest, unless a payment for
// scanID was already recorded with that proof.
func (t *Tracker) ReleaseProof(ctx context.Context, digest, scanID string) error {
	_, err := t.proofs.Update(ctx, digest, func(cur models.ProofClaim, exists bool) (models.ProofClaim, store.Op, error) {
		if !exists || cur.ScanID != scanID {
			return cur, store.OpNone, nil
		}
		rec, ok, err := t.records.Get(ctx, scanID)
		if err != nil {
			return cur, store.OpNone, err
		}
		if ok && rec.Proof == digest {
			return cur, store.OpNone, nil
		}
		return cur, store.OpDelete, nil
	})
	if err != nil {
		return fmt.Errorf("failed to release proof for %s: %w", scanID, err)
	}
	return nil
}

func (t *Tracker) GetStatus(ctx context.Context, scanID string) (models.PaymentRecord, error) {
	rec, ok, err := t.records.Get(ctx, scanID)
	if err != nil {
		return models.PaymentRecord{}, err
	}
	if !ok {
		return models.PaymentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (t *Tracker) expired(rec models.PaymentRecord, now time.Time) bool {
	return now.Sub(rec.Timestamp) > Retention
}

// Cleanup removes records older than Retention and returns how many it removed.
func (t *Tracker) Cleanup(ctx context.Context) (int, error) {
	now := t.now()

	var stale []string
	err := t.records.Range(ctx, func(scanID string, rec models.PaymentRecord) bool {
		if t.expired(rec, now) {
			stale = append(stale, scanID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, scanID := range stale {
		deleted := false
		_, err := t.records.Update(ctx, scanID, func(cur models.PaymentRecord, exists bool) (models.PaymentRecord, store.Op, error) {
			if !exists || !t.expired(cur, now) {
				return cur, store.OpNone, nil
			}
			deleted = true
			return cur, store.OpDelete, nil
		})
		if err != nil {
			return removed, fmt.Errorf("failed to remove payment %s: %w", scanID, err)
		}
		if deleted {
			removed++
		}
	}

	claims, err := t.pruneClaims(ctx, now)
	if err != nil {
		return removed, err
	}

	if removed > 0 || claims > 0 {
		log.Info().Int("removed", removed).Int("proof_claims", claims).Msg("Expired payment records cleaned up")
	}
	return removed, nil
}

func (t *Tracker) pruneClaims(ctx context.Context, now time.Time) (int, error) {
	var stale []string
	err := t.proofs.Range(ctx, func(digest string, c models.ProofClaim) bool {
		if now.Sub(c.ClaimedAt) > Retention {
			stale = append(stale, digest)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, digest := range stale {
		deleted := false
		_, err := t.proofs.Update(ctx, digest, func(cur models.ProofClaim, exists bool) (models.ProofClaim, store.Op, error) {
			if !exists || now.Sub(cur.ClaimedAt) <= Retention {
				return cur, store.OpNone, nil
			}
			deleted = true
			return cur, store.OpDelete, nil
		})
		if err != nil {
			return removed, fmt.Errorf("failed to remove proof claim: %w", err)
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of retained records.
func (t *Tracker) Count(ctx context.Context) (int, error) {
	n := 0
	err := t.records.Range(ctx, func(string, models.PaymentRecord) bool {
		n++
		return true
	})
	return n, err
}
