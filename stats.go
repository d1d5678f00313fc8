package tokenvault

import (
	"sort"
	"time"
)

const mostUsedLimit = 5

// TokenUsage pairs a token with its use count.
type TokenUsage struct {
	TokenID    string `json:"token_id"`
	UsageCount int64  `json:"usage_count"`
}

// LifecycleStats aggregates the tracked tokens.
type LifecycleStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
	Rotated int `json:"rotated"`

	// AverageLifespan is the mean time from creation to becoming terminal.
	AverageLifespan time.Duration `json:"average_lifespan"`

	// RotationFrequency is the number of rotations per tracked token.
	RotationFrequency float64 `json:"rotation_frequency"`

	HourlyUsage [24]int64    `json:"hourly_usage"`
	PeakHour    int          `json:"peak_hour"`
	TotalUsage  int64        `json:"total_usage"`
	MostUsed    []TokenUsage `json:"most_used,omitempty"`
	ComputedAt  time.Time    `json:"computed_at"`
}

// LifecycleStats computes counts by effective status, lifespan and usage figures.
func (lm *LifecycleManager) LifecycleStats() LifecycleStats {
	now := lm.now()
	tokens := lm.ListTokens()

	stats := LifecycleStats{Total: len(tokens), ComputedAt: now.UTC()}

	var (
		lifespan  time.Duration
		terminal  int
		rotations int
		usage     = make([]TokenUsage, 0, len(tokens))
	)
	for _, meta := range tokens {
		switch effectiveStatus(meta, lm.policy, now) {
		case TokenStatusActive:
			stats.Active++
		case TokenStatusExpired:
			stats.Expired++
		case TokenStatusRevoked:
			stats.Revoked++
		case TokenStatusRotated:
			stats.Rotated++
		}

		if meta.Status == TokenStatusRotated {
			rotations++
		}
		if at := terminalSince(meta, lm.policy); !at.After(now) {
			// the expiration buffer can put an expiry before creation
			lifespan += max(at.Sub(meta.CreatedAt), 0)
			terminal++
		}

		for h, n := range meta.HourlyUsage {
			stats.HourlyUsage[h] += n
		}
		stats.TotalUsage += meta.UsageCount
		if meta.UsageCount > 0 {
			usage = append(usage, TokenUsage{TokenID: meta.ID, UsageCount: meta.UsageCount})
		}
	}

	if terminal > 0 {
		stats.AverageLifespan = lifespan / time.Duration(terminal)
	}
	if stats.Total > 0 {
		stats.RotationFrequency = float64(rotations) / float64(stats.Total)
	}
	for h, n := range stats.HourlyUsage {
		if n > stats.HourlyUsage[stats.PeakHour] {
			stats.PeakHour = h
		}
	}

	sort.Slice(usage, func(i, j int) bool {
		if usage[i].UsageCount != usage[j].UsageCount {
			return usage[i].UsageCount > usage[j].UsageCount
		}
		return usage[i].TokenID < usage[j].TokenID
	})
	if len(usage) > mostUsedLimit {
		usage = usage[:mostUsedLimit]
	}
	stats.MostUsed = usage

	return stats
}

// effectiveStatus is the stored status with expiry applied.
func effectiveStatus(meta TokenMetadata, policy LifecyclePolicy, now time.Time) TokenStatus {
	if meta.Status != TokenStatusActive {
		return meta.Status
	}
	if now.After(meta.ExpiresAt.Add(-policy.ExpirationBuffer)) {
		return TokenStatusExpired
	}
	return TokenStatusActive
}
