package tokenvault

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"southwinds.dev/tokenvault/persist"
)

const (
	warnNotFound      = "not found"
	warnRevoked       = "token revoked"
	warnRotated       = "token rotated"
	warnExpired       = "token expired"
	warnMaxAge        = "token exceeds maximum age"
	warnBindingPrefix = "binding mismatch: "
)

// ValidateToken checks id against its lifecycle rules and binding. Findings
// are collected as warnings and Valid is true only when there are none.
// A valid check counts as a use and is persisted.
func (lm *LifecycleManager) ValidateToken(id string, binding *Binding) ValidationResult {
	res, _, _ := lm.validate(id, binding, false)
	return res
}

// validate evaluates id under its lock. With open set, a valid token's record
// is decrypted before the use is counted; a record that fails to open is
// returned as an error and leaves the usage counters untouched.
func (lm *LifecycleManager) validate(id string, binding *Binding, open bool) (ValidationResult, Credential, error) {
	unlock := lm.locks.lock(id)
	defer unlock()

	entry, ok := lm.entry(id)
	if !ok {
		res := ValidationResult{TokenID: id, Warnings: []string{warnNotFound}}
		lm.publish(EventValidated, id, ValidatedPayload{Valid: false, Warnings: res.Warnings})
		return res, Credential{}, nil
	}

	now := lm.now()
	res := evaluate(entry.meta, binding, lm.policy, now)

	var cred Credential
	if res.Valid && open {
		var err error
		if cred, err = lm.peekCredential(id); err != nil {
			return res, Credential{}, err
		}
	}

	if res.Valid {
		updated := entry.meta.clone()
		recordUsage(&updated, now)
		if err := lm.saveMetadata(entry, updated); err != nil {
			lm.log.Warn("usage update not persisted", zap.String("token_id", id), zap.Error(err))
			lm.publish(EventWarning, id, WarningPayload{Code: WarningUsageNotPersisted, Message: err.Error()})
			if !isConcurrencyError(err) {
				lm.mu.Lock()
				entry.meta = updated
				lm.mu.Unlock()
			}
		}
		res.Usage = usageStats(entry.meta, now)
		res.RotationDue, res.RotationReason = rotationDue(entry.meta, lm.policy, now)
	}

	lm.publish(EventValidated, id, ValidatedPayload{Valid: res.Valid, Warnings: res.Warnings})
	return res, cred, nil
}

// evaluate classifies meta at now. It has no side effects.
//
// A token counts as expired once now is past ExpiresAt minus the expiration
// buffer; at exactly that instant it is still usable.
func evaluate(meta TokenMetadata, binding *Binding, policy LifecyclePolicy, now time.Time) ValidationResult {
	res := ValidationResult{
		TokenID:       meta.ID,
		RemainingTime: meta.ExpiresAt.Sub(now),
		Usage:         usageStats(meta, now),
	}

	switch meta.Status {
	case TokenStatusRevoked:
		res.Revoked = true
		res.Warnings = append(res.Warnings, warnRevoked)
	case TokenStatusRotated:
		res.Rotated = true
		res.Warnings = append(res.Warnings, warnRotated)
	}

	if now.After(meta.ExpiresAt.Add(-policy.ExpirationBuffer)) {
		res.Expired = true
		res.Warnings = append(res.Warnings, warnExpired)
	}

	if policy.MaxTokenAge > 0 && now.Sub(meta.CreatedAt) > policy.MaxTokenAge {
		res.Warnings = append(res.Warnings, warnMaxAge)
	}

	res.Warnings = append(res.Warnings, bindingMismatches(meta.Binding, binding)...)

	res.Valid = len(res.Warnings) == 0
	return res
}

// bindingMismatches compares each field the caller supplied with the stored
// one. Fields that are empty on either side match anything.
func bindingMismatches(stored, supplied *Binding) []string {
	if stored == nil || supplied == nil {
		return nil
	}
	var out []string
	check := func(name, want, got string) {
		if want != "" && got != "" && want != got {
			out = append(out, warnBindingPrefix+name)
		}
	}
	check("client_id", stored.ClientID, supplied.ClientID)
	check("user_id", stored.UserID, supplied.UserID)
	check("session_id", stored.SessionID, supplied.SessionID)
	check("ip_address", stored.IPAddress, supplied.IPAddress)
	return out
}

// rotationDue reports whether usage or age crossed a rotation threshold.
func rotationDue(meta TokenMetadata, policy LifecyclePolicy, now time.Time) (bool, string) {
	var reasons []string
	if policy.RotationUsageThreshold > 0 && meta.UsageCount > policy.RotationUsageThreshold {
		reasons = append(reasons, fmt.Sprintf("usage count %d exceeds threshold %d", meta.UsageCount, policy.RotationUsageThreshold))
	}
	if policy.RotationAgeThreshold > 0 && now.Sub(meta.CreatedAt) >= policy.RotationAgeThreshold {
		reasons = append(reasons, fmt.Sprintf("token age exceeds %s", policy.RotationAgeThreshold))
	}
	if len(reasons) == 0 {
		return false, ""
	}
	return true, strings.Join(reasons, "; ")
}

func recordUsage(meta *TokenMetadata, now time.Time) {
	meta.UsageCount++
	meta.LastUsed = timePtr(now.UTC())
	meta.HourlyUsage[now.UTC().Hour()]++
}

func usageStats(meta TokenMetadata, now time.Time) UsageStats {
	u := UsageStats{
		UsageCount:    meta.UsageCount,
		Age:           now.Sub(meta.CreatedAt),
		RotationCount: meta.RotationCount,
	}
	if meta.LastUsed != nil {
		u.LastUsed = timePtr(*meta.LastUsed)
	}
	return u
}

// validationErrorKind picks the sentinel GetToken reports for an invalid result.
func validationErrorKind(res ValidationResult) error {
	for _, w := range res.Warnings {
		switch {
		case w == warnNotFound:
			return ErrTokenNotFound
		case strings.HasPrefix(w, warnBindingPrefix):
			return ErrBindingMismatch
		}
	}
	return ErrTokenInvalid
}

func isConcurrencyError(err error) bool {
	var ce persist.ConcurrencyError
	return errors.As(err, &ce)
}
