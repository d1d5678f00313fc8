package tokenvault

import (
	"fmt"
	"time"
)

// KeyHealthReport summarizes the state of the key chain.
type KeyHealthReport struct {
	Healthy         bool      `json:"healthy"`
	ActiveKeyID     string    `json:"active_key_id,omitempty"`
	ActiveKeyAge    string    `json:"active_key_age,omitempty"`
	TotalKeys       int       `json:"total_keys"`
	DeprecatedKeys  int       `json:"deprecated_keys"`
	RevokedKeys     int       `json:"revoked_keys"`
	Warnings        []string  `json:"warnings,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// ValidateKeyHealth reports an unhealthy chain when there is no active key,
// warns when the active key is older than MaxKeyAge and recommends cleanup
// once DeprecatedKeyThreshold deprecated keys have accumulated.
func (km *KeyManager) ValidateKeyHealth() KeyHealthReport {
	km.mu.RLock()
	defer km.mu.RUnlock()

	now := km.now().UTC()
	report := KeyHealthReport{
		Healthy:   true,
		TotalKeys: len(km.metadata),
		CheckedAt: now,
	}

	for _, meta := range km.metadata {
		switch meta.Status {
		case KeyStatusDeprecated:
			report.DeprecatedKeys++
		case KeyStatusRevoked:
			report.RevokedKeys++
		}
	}

	if km.activeKeyID == "" {
		report.Healthy = false
		report.Warnings = append(report.Warnings, "no active master key")
		report.Recommendations = append(report.Recommendations, "generate a new master key")
	} else {
		active := km.metadata[km.activeKeyID]
		age := now.Sub(active.CreatedAt)
		report.ActiveKeyID = active.KeyID
		report.ActiveKeyAge = age.Round(time.Second).String()

		if km.policy.MaxKeyAge > 0 && age > km.policy.MaxKeyAge {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("active key %s is older than %s", active.KeyID, km.policy.MaxKeyAge))
			report.Recommendations = append(report.Recommendations, "rotate the master key")
		}
		if _, loaded := km.enclaves[km.activeKeyID]; !loaded {
			report.Warnings = append(report.Warnings, "active key is not loaded")
		}
	}

	if km.policy.DeprecatedKeyThreshold > 0 && report.DeprecatedKeys >= km.policy.DeprecatedKeyThreshold {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d deprecated keys retained, re-encrypt remaining records and delete old keys", report.DeprecatedKeys))
	}

	return report
}
