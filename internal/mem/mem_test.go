package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockReportsLevel(t *testing.T) {
	level, err := Lock()
	if err != nil {
		t.Skipf("memory locking unavailable: %v", err)
	}
	defer func() { _ = Unlock() }()

	assert.NotEqual(t, ProtectionNone, level)
	assert.Contains(t, []string{"full", "partial"}, level.String())
}

func TestProtectionLevelString(t *testing.T) {
	assert.Equal(t, "none", ProtectionNone.String())
	assert.Equal(t, "partial", ProtectionPartial.String())
	assert.Equal(t, "full", ProtectionFull.String())
}
