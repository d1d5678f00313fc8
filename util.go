package tokenvault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

const provenanceTagPrefix = "rotated-from:"

// Generate a random key ID
func generateKeyID() string {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		// Fall back to timestamp if random fails
		return fmt.Sprintf("key-%d", time.Now().UnixNano())
	}
	return "key-" + hex.EncodeToString(buf)
}

func validateAndSanitizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return []string{}, nil
	}

	const (
		MaxTags      = 50
		MaxTagLength = 128
	)

	if len(tags) > MaxTags {
		return nil, fmt.Errorf("too many tags: %d (max: %d)", len(tags), MaxTags)
	}

	validTags := make([]string, 0, len(tags))
	seenTags := make(map[string]bool)

	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if len(tag) == 0 {
			continue
		}

		if len(tag) > MaxTagLength {
			return nil, fmt.Errorf("tag too long: %d characters (max: %d)", len(tag), MaxTagLength)
		}

		if !isValidTagFormat(tag) {
			return nil, fmt.Errorf("invalid tag format: %s (only alphanumeric, hyphens, underscores, colons and dots allowed)", tag)
		}

		tag = strings.ToLower(tag)
		if !seenTags[tag] {
			seenTags[tag] = true
			validTags = append(validTags, tag)
		}
	}

	return validTags, nil
}

func isValidTagFormat(tag string) bool {
	if len(tag) == 0 {
		return false
	}

	for _, r := range tag {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == ':' || r == '.') {
			return false
		}
	}

	return true
}

// withProvenance replaces any earlier rotated-from tag with one naming oldID.
func withProvenance(tags []string, oldID string) []string {
	out := make([]string, 0, len(tags)+1)
	for _, t := range tags {
		if !strings.HasPrefix(t, provenanceTagPrefix) {
			out = append(out, t)
		}
	}
	return append(out, provenanceTagPrefix+strings.ToLower(oldID))
}

func isValidEnvVarName(name string) bool {
	if len(name) == 0 || len(name) > 128 {
		return false
	}

	// Must start with letter or underscore
	if !((name[0] >= 'A' && name[0] <= 'Z') || (name[0] >= 'a' && name[0] <= 'z') || name[0] == '_') {
		return false
	}

	// Rest can be letters, numbers, or underscores
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}

	return true
}

func timePtr(t time.Time) *time.Time {
	return &t
}
