package backup

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// GenerateBackupID generates a unique, time-sortable backup ID
func GenerateBackupID(now time.Time) string {
	return fmt.Sprintf("backup_%d_%s",
		now.UTC().Unix(),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// Checksum returns the hex blake3 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
