package persist

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/tokenvault/internal/backup"
)

func newTestContainer(id string, ts time.Time) *BackupContainer {
	payload := []byte("compressed-and-sealed-snapshot-" + id)
	return &BackupContainer{
		BackupID:         id,
		BackupTimestamp:  ts,
		FormatVersion:    "1",
		EncryptionMethod: backup.MethodNone,
		Compression:      backup.Compression,
		Payload:          base64.StdEncoding.EncodeToString(payload),
		Checksum:         backup.Checksum(payload),
		KeyCount:         1,
		TokenCount:       2,
	}
}

// testStoreImplementation runs the behaviour every Store must share.
func testStoreImplementation(t *testing.T, store Store) {
	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(), "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType())
	})

	t.Run("KeyLifecycle", func(t *testing.T) {
		_, err := store.LoadKeyMetadata("key-a")
		assert.ErrorIs(t, err, ErrNotFound)

		v1, err := store.SaveKeyMetadata("key-a", []byte(`{"status":"active"}`), "")
		require.NoError(t, err)
		require.NoError(t, store.SaveKeyBlob("key-a", []byte("wrapped-key-material")))

		loaded, err := store.LoadKeyMetadata("key-a")
		require.NoError(t, err)
		assert.Equal(t, v1, loaded.Version)
		assert.JSONEq(t, `{"status":"active"}`, string(loaded.Data))

		blob, err := store.LoadKeyBlob("key-a")
		require.NoError(t, err)
		assert.Equal(t, "wrapped-key-material", string(blob))

		ids, err := store.ListKeys()
		require.NoError(t, err)
		assert.Equal(t, []string{"key-a"}, ids)

		require.NoError(t, store.DeleteKey("key-a", 3))
		_, err = store.LoadKeyBlob("key-a")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.DeleteKey("key-a", 0), ErrNotFound)
	})

	t.Run("OptimisticConcurrency", func(t *testing.T) {
		v1, err := store.SaveTokenMetadata("tok-1", []byte(`{"usage":1}`), "")
		require.NoError(t, err)

		v2, err := store.SaveTokenMetadata("tok-1", []byte(`{"usage":2}`), v1)
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)

		_, err = store.SaveTokenMetadata("tok-1", []byte(`{"usage":3}`), v1)
		var conflict ConcurrencyError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, v1, conflict.ExpectedVersion)
		assert.Equal(t, v2, conflict.ActualVersion)
	})

	t.Run("TokenRecords", func(t *testing.T) {
		require.NoError(t, store.SaveTokenRecord("tok-2", []byte(`{"ciphertext":"AA=="}`)))
		_, err := store.SaveTokenMetadata("tok-2", []byte(`{}`), "")
		require.NoError(t, err)

		data, err := store.LoadTokenRecord("tok-2")
		require.NoError(t, err)
		assert.Contains(t, string(data), "ciphertext")

		ids, err := store.ListTokens()
		require.NoError(t, err)
		assert.Contains(t, ids, "tok-2")

		require.NoError(t, store.DeleteToken("tok-2"))
		_, err = store.LoadTokenRecord("tok-2")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, store.DeleteToken("tok-2"), "deleting twice is harmless")
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		for _, id := range []string{"../etc", "a/b", "", ".hidden", "a b"} {
			_, err := store.SaveTokenMetadata(id, []byte("{}"), "")
			assert.Error(t, err, "id %q", id)
		}
	})

	t.Run("Backups", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Second)
		older := newTestContainer("backup_1_old", now.Add(-time.Hour))
		newer := newTestContainer("backup_2_new", now)

		_, err := store.SaveBackup(older)
		require.NoError(t, err)
		path, err := store.SaveBackup(newer)
		require.NoError(t, err)
		assert.NotEmpty(t, path)

		list, err := store.ListBackups()
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "backup_2_new", list[0].BackupID)
		assert.True(t, list[0].IsValid)
		assert.Equal(t, 2, list[0].TokenCount)

		loaded, err := store.LoadBackup("backup_1_old")
		require.NoError(t, err)
		assert.Equal(t, older.Checksum, loaded.Checksum)

		require.NoError(t, store.DeleteBackup("backup_1_old"))
		assert.ErrorIs(t, store.DeleteBackup("backup_1_old"), ErrNotFound)
	})

	t.Run("RejectsCorruptBackup", func(t *testing.T) {
		c := newTestContainer("backup_3_bad", time.Now())
		c.Checksum = backup.Checksum([]byte("something else"))
		_, err := store.SaveBackup(c)
		assert.Error(t, err)
	})

	t.Run("ConcurrentWritesOfDifferentTokens", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("concurrent-%02d", i)
				if _, err := store.SaveTokenMetadata(id, []byte(`{}`), ""); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent save failed: %v", err)
		}
	})
}
