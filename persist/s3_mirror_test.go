package persist

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestS3Mirror runs against a live MinIO endpoint, e.g.
// S3_MINIO_ENDPOINT=localhost:9000 S3_MINIO_ACCESS_KEY=minioadmin S3_MINIO_SECRET_KEY=minioadmin
func TestS3Mirror(t *testing.T) {
	endpoint := os.Getenv("S3_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_MINIO_ENDPOINT not set")
	}

	mirror, err := NewBackupMirror(StoreConfig{
		Type: StoreTypeS3,
		Config: map[string]interface{}{
			"endpoint":          endpoint,
			"access_key_id":     os.Getenv("S3_MINIO_ACCESS_KEY"),
			"secret_access_key": os.Getenv("S3_MINIO_SECRET_KEY"),
			"bucket":            "tokenvault-test",
			"key_prefix":        "run-" + uuid.NewString()[:8],
			"use_ssl":           false,
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, mirror.(*S3Mirror).Ping(ctx))
	require.NoError(t, mirror.Upload(ctx, "backup_1_a", []byte(`{"backup_id":"backup_1_a"}`)))
	require.NoError(t, mirror.Upload(ctx, "backup_2_b", []byte(`{"backup_id":"backup_2_b"}`)))

	ids, err := mirror.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"backup_1_a", "backup_2_b"}, ids)

	require.NoError(t, mirror.Remove(ctx, "backup_1_a"))
	ids, err = mirror.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"backup_2_b"}, ids)
}
