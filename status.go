package tokenvault

import (
	"fmt"
	"time"
)

// SecurityStatus is a point-in-time view for health checks. It is derived on
// every call and never persisted.
type SecurityStatus struct {
	Initialized bool `json:"initialized"`

	TotalTokens   int `json:"total_tokens"`
	ActiveTokens  int `json:"active_tokens"`
	ExpiredTokens int `json:"expired_tokens"`
	RevokedTokens int `json:"revoked_tokens"`
	RotatedTokens int `json:"rotated_tokens"`

	TotalKeys   int    `json:"total_keys"`
	ActiveKeyID string `json:"active_key_id,omitempty"`

	LastIntegrityCheck           *time.Time `json:"last_integrity_check,omitempty"`
	LastIntegrityPassed          bool       `json:"last_integrity_passed"`
	ConsecutiveIntegrityFailures int        `json:"consecutive_integrity_failures"`
	BreachDetected               bool       `json:"breach_detected"`

	LastBackup   *time.Time `json:"last_backup,omitempty"`
	LastBackupID string     `json:"last_backup_id,omitempty"`
	LastCleanup  *time.Time `json:"last_cleanup,omitempty"`

	KeyHealth        KeyHealthReport `json:"key_health"`
	MemoryProtection string          `json:"memory_protection"`
	Schedules        []string        `json:"schedules,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
	CheckedAt        time.Time       `json:"checked_at"`
}

// GetSecurityStatus aggregates token, key, integrity and backup state.
func (o *Orchestrator) GetSecurityStatus() SecurityStatus {
	now := o.now()
	status := SecurityStatus{
		CheckedAt: now.UTC(),
		KeyHealth: o.keys.ValidateKeyHealth(),
		TotalKeys: len(o.keys.ListKeys()),
	}
	if active, ok := o.keys.ActiveKey(); ok {
		status.ActiveKeyID = active.KeyID
	}

	o.mu.RLock()
	status.Initialized = o.initialized
	status.MemoryProtection = o.memProtection.String()
	status.Schedules = append([]string(nil), o.schedules...)
	status.LastBackupID = o.lastBackupID
	if !o.lastBackup.IsZero() {
		status.LastBackup = timePtr(o.lastBackup)
	}
	if !o.lastCleanup.IsZero() {
		status.LastCleanup = timePtr(o.lastCleanup)
	}
	lm := o.lifecycle
	o.mu.RUnlock()

	o.integrityMu.Lock()
	if !o.lastIntegrityCheck.IsZero() {
		status.LastIntegrityCheck = timePtr(o.lastIntegrityCheck)
	}
	status.LastIntegrityPassed = o.lastIntegrityPassed
	status.ConsecutiveIntegrityFailures = o.consecutiveFailures
	status.BreachDetected = o.breachDetected
	o.integrityMu.Unlock()

	if lm != nil {
		for _, meta := range lm.ListTokens() {
			status.TotalTokens++
			switch effectiveStatus(meta, lm.policy, now) {
			case TokenStatusActive:
				status.ActiveTokens++
			case TokenStatusExpired:
				status.ExpiredTokens++
			case TokenStatusRevoked:
				status.RevokedTokens++
			case TokenStatusRotated:
				status.RotatedTokens++
			}
		}
	}

	if !status.Initialized {
		status.Warnings = append(status.Warnings, "orchestrator is not initialized")
	}
	if !status.KeyHealth.Healthy {
		status.Warnings = append(status.Warnings, "key chain is unhealthy")
	}
	status.Warnings = append(status.Warnings, status.KeyHealth.Warnings...)
	if status.BreachDetected {
		status.Warnings = append(status.Warnings, "security breach detected")
	}
	if status.ConsecutiveIntegrityFailures > 0 {
		status.Warnings = append(status.Warnings,
			fmt.Sprintf("%d consecutive integrity check failure(s)", status.ConsecutiveIntegrityFailures))
	}
	if o.opts.Integrity.Enabled && o.opts.Integrity.Interval > 0 && status.LastIntegrityCheck != nil &&
		now.Sub(*status.LastIntegrityCheck) > 2*o.opts.Integrity.Interval {
		status.Warnings = append(status.Warnings, "integrity check overdue")
	}
	if o.opts.Backup.Enabled && o.opts.Backup.Interval > 0 &&
		(status.LastBackup == nil || now.Sub(*status.LastBackup) > 2*o.opts.Backup.Interval) && status.Initialized {
		status.Warnings = append(status.Warnings, "no recent backup")
	}
	return status
}
