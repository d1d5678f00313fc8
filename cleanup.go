package tokenvault

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CleanupResult reports a cleanup sweep. Errors holds one entry per token that
// could not be removed.
type CleanupResult struct {
	Removed    int       `json:"removed"`
	RemovedIDs []string  `json:"removed_ids,omitempty"`
	Errors     []error   `json:"-"`
	SweptAt    time.Time `json:"swept_at"`
}

// Err combines the per-token errors, nil when there were none.
func (r CleanupResult) Err() error {
	return multierr.Combine(r.Errors...)
}

// CleanupTokens removes metadata and records of tokens that have been
// terminal for longer than CleanupGracePeriod. Revoked and rotated tokens are
// terminal from TerminalAt, expired ones from ExpiresAt. A failing token does
// not stop the sweep.
func (lm *LifecycleManager) CleanupTokens() CleanupResult {
	now := lm.now()
	res := CleanupResult{SweptAt: now.UTC()}

	for _, meta := range lm.ListTokens() {
		if !cleanupEligible(meta, lm.policy, now) {
			continue
		}
		if err := lm.removeToken(meta.ID, now); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Removed++
		res.RemovedIDs = append(res.RemovedIDs, meta.ID)
	}

	if res.Removed > 0 || len(res.Errors) > 0 {
		lm.log.Info("token cleanup finished", zap.Int("removed", res.Removed), zap.Int("errors", len(res.Errors)))
	}

	errs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		errs = append(errs, err.Error())
	}
	lm.publish(EventCleanup, "", CleanupPayload{Removed: res.Removed, RemovedIDs: res.RemovedIDs, Errors: errs})
	return res
}

// removeToken re-checks eligibility under the id lock, the token may have
// been renewed since the sweep listed it.
func (lm *LifecycleManager) removeToken(id string, now time.Time) error {
	unlock := lm.locks.lock(id)
	defer unlock()

	entry, ok := lm.entry(id)
	if !ok {
		return nil
	}
	if !cleanupEligible(entry.meta, lm.policy, now) {
		return nil
	}
	if err := lm.store.DeleteToken(id); err != nil {
		return fmt.Errorf("token %s: %w", id, err)
	}

	lm.mu.Lock()
	delete(lm.tokens, id)
	lm.mu.Unlock()
	return nil
}

func cleanupEligible(meta TokenMetadata, policy LifecyclePolicy, now time.Time) bool {
	return now.Sub(terminalSince(meta, policy)) > policy.CleanupGracePeriod
}

// terminalSince returns when meta became terminal. Active tokens become
// terminal when they expire, including the expiration buffer.
func terminalSince(meta TokenMetadata, policy LifecyclePolicy) time.Time {
	if meta.Status == TokenStatusActive {
		return meta.ExpiresAt.Add(-policy.ExpirationBuffer)
	}
	if meta.TerminalAt != nil {
		return *meta.TerminalAt
	}
	return meta.CreatedAt
}

// PerformCleanup runs a lifecycle cleanup sweep and publishes CleanupCompleted.
func (o *Orchestrator) PerformCleanup(ctx context.Context) (CleanupResult, error) {
	lm, err := o.ready()
	if err != nil {
		return CleanupResult{}, err
	}
	if err = ctx.Err(); err != nil {
		return CleanupResult{}, err
	}

	res := lm.CleanupTokens()

	o.mu.Lock()
	o.lastCleanup = res.SweptAt
	o.mu.Unlock()

	if err = res.Err(); err != nil {
		o.publish(EventError, "", "", ErrorPayload{Op: opCleanup, Error: err.Error()})
	}
	o.publish(EventCleanupCompleted, "", "", CleanupCompletedPayload{Removed: res.Removed, Errors: len(res.Errors)})
	o.refreshActiveGauge(lm)
	return res, nil
}
