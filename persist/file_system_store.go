package persist

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"southwinds.dev/tokenvault/internal/backup"
	"southwinds.dev/tokenvault/internal/misc"
)

const (
	FilePermissions os.FileMode = misc.FilePermissions
	DirPermissions  os.FileMode = misc.DirPermissions

	keyMetadataExt   = ".json"
	keyBlobExt       = ".key"
	tokenMetadataExt = ".json"
	tokenRecordExt   = ".enc"
	backupExt        = ".tvb"
)

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// FileSystemStore implements Store on a local directory:
//
//	basePath/
//	├── keys/<keyID>.json       key metadata
//	├── keys/<keyID>.key        passphrase-wrapped master key
//	├── tokens/<tokenID>.json   token metadata
//	├── tokens/<tokenID>.enc    encrypted token record
//	└── backups/<backupID>.tvb  backup containers
type FileSystemStore struct {
	basePath   string
	keysDir    string
	tokensDir  string
	backupsDir string

	// mu serializes version checks with the write that follows them
	mu sync.Mutex
}

// NewFileSystemStore initializes the directory layout under basePath.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:   basePath,
		keysDir:    filepath.Join(basePath, "keys"),
		tokensDir:  filepath.Join(basePath, "tokens"),
		backupsDir: filepath.Join(basePath, "backups"),
	}

	for _, dir := range []string{fs.basePath, fs.keysDir, fs.tokensDir, fs.backupsDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return fs, nil
}

// BasePath returns the root directory of the store.
func (fs *FileSystemStore) BasePath() string {
	return fs.basePath
}

// SaveKeyMetadata with optimistic concurrency control
func (fs *FileSystemStore) SaveKeyMetadata(keyID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(keyID); err != nil {
		return "", fmt.Errorf("invalid key ID: %w", err)
	}
	return fs.saveVersioned(filepath.Join(fs.keysDir, keyID+keyMetadataExt), data, expectedVersion, "SaveKeyMetadata")
}

func (fs *FileSystemStore) LoadKeyMetadata(keyID string) (*VersionedData, error) {
	if err := validateID(keyID); err != nil {
		return nil, fmt.Errorf("invalid key ID: %w", err)
	}
	return loadVersioned(filepath.Join(fs.keysDir, keyID+keyMetadataExt))
}

func (fs *FileSystemStore) SaveKeyBlob(keyID string, blob []byte) error {
	if err := validateID(keyID); err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}
	if len(blob) == 0 {
		return errors.New("key blob cannot be empty")
	}
	return writeSecureFile(filepath.Join(fs.keysDir, keyID+keyBlobExt), blob, FilePermissions)
}

func (fs *FileSystemStore) LoadKeyBlob(keyID string) ([]byte, error) {
	if err := validateID(keyID); err != nil {
		return nil, fmt.Errorf("invalid key ID: %w", err)
	}
	return readFile(filepath.Join(fs.keysDir, keyID+keyBlobExt))
}

func (fs *FileSystemStore) ListKeys() ([]string, error) {
	return listIDs(fs.keysDir, keyMetadataExt)
}

// DeleteKey overwrites the wrapped key overwritePasses times with random data,
// then removes both key files.
func (fs *FileSystemStore) DeleteKey(keyID string, overwritePasses int) error {
	if err := validateID(keyID); err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}

	blobPath := filepath.Join(fs.keysDir, keyID+keyBlobExt)
	metaPath := filepath.Join(fs.keysDir, keyID+keyMetadataExt)

	exists, err := fileExists(metaPath)
	if err != nil {
		return fmt.Errorf("failed to check key metadata: %w", err)
	}
	if !exists {
		return fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}

	if overwritePasses > 0 {
		if err := overwriteFile(blobPath, overwritePasses); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to overwrite key blob: %w", err)
		}
	}

	return multierr.Combine(removeIfExists(blobPath), removeIfExists(metaPath))
}

func (fs *FileSystemStore) SaveTokenMetadata(tokenID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(tokenID); err != nil {
		return "", fmt.Errorf("invalid token ID: %w", err)
	}
	return fs.saveVersioned(filepath.Join(fs.tokensDir, tokenID+tokenMetadataExt), data, expectedVersion, "SaveTokenMetadata")
}

func (fs *FileSystemStore) LoadTokenMetadata(tokenID string) (*VersionedData, error) {
	if err := validateID(tokenID); err != nil {
		return nil, fmt.Errorf("invalid token ID: %w", err)
	}
	return loadVersioned(filepath.Join(fs.tokensDir, tokenID+tokenMetadataExt))
}

func (fs *FileSystemStore) SaveTokenRecord(tokenID string, data []byte) error {
	if err := validateID(tokenID); err != nil {
		return fmt.Errorf("invalid token ID: %w", err)
	}
	if len(data) == 0 {
		return errors.New("token record cannot be empty")
	}
	return writeSecureFile(filepath.Join(fs.tokensDir, tokenID+tokenRecordExt), data, FilePermissions)
}

func (fs *FileSystemStore) LoadTokenRecord(tokenID string) ([]byte, error) {
	if err := validateID(tokenID); err != nil {
		return nil, fmt.Errorf("invalid token ID: %w", err)
	}
	return readFile(filepath.Join(fs.tokensDir, tokenID+tokenRecordExt))
}

func (fs *FileSystemStore) ListTokens() ([]string, error) {
	return listIDs(fs.tokensDir, tokenMetadataExt)
}

func (fs *FileSystemStore) DeleteToken(tokenID string) error {
	if err := validateID(tokenID); err != nil {
		return fmt.Errorf("invalid token ID: %w", err)
	}
	return multierr.Combine(
		removeIfExists(filepath.Join(fs.tokensDir, tokenID+tokenRecordExt)),
		removeIfExists(filepath.Join(fs.tokensDir, tokenID+tokenMetadataExt)),
	)
}

// SaveBackup validates and writes a backup container to backups/<id>.tvb.
func (fs *FileSystemStore) SaveBackup(container *BackupContainer) (string, error) {
	if container == nil {
		return "", errors.New("backup container cannot be nil")
	}
	if err := validateID(container.BackupID); err != nil {
		return "", fmt.Errorf("invalid backup ID: %w", err)
	}
	if ok, reason := validateBackupContainer(container); !ok {
		return "", fmt.Errorf("refusing to save invalid backup: %s", reason)
	}

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup container: %w", err)
	}

	path := filepath.Join(fs.backupsDir, container.BackupID+backupExt)
	if err = writeSecureFile(path, data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write backup file: %w", err)
	}
	return path, nil
}

func (fs *FileSystemStore) LoadBackup(backupID string) (*BackupContainer, error) {
	if err := validateID(backupID); err != nil {
		return nil, fmt.Errorf("invalid backup ID: %w", err)
	}

	data, err := readFile(filepath.Join(fs.backupsDir, backupID+backupExt))
	if err != nil {
		return nil, err
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}
	if ok, reason := validateBackupContainer(&container); !ok {
		return nil, fmt.Errorf("invalid backup file: %s", reason)
	}
	return &container, nil
}

// ListBackups reads every container in the backups directory. Unparseable files
// are reported with IsValid=false rather than failing the listing.
func (fs *FileSystemStore) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	backups := make([]BackupInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		path := filepath.Join(fs.backupsDir, entry.Name())
		info := BackupInfo{
			BackupID:  strings.TrimSuffix(entry.Name(), backupExt),
			StorePath: path,
		}
		if stat, err := entry.Info(); err == nil {
			info.FileSize = stat.Size()
			info.BackupTimestamp = stat.ModTime().UTC()
		}

		data, err := os.ReadFile(path)
		if err == nil {
			var container BackupContainer
			if json.Unmarshal(data, &container) == nil {
				info.BackupID = container.BackupID
				info.BackupTimestamp = container.BackupTimestamp
				info.FormatVersion = container.FormatVersion
				info.EncryptionMethod = container.EncryptionMethod
				info.KeyCount = container.KeyCount
				info.TokenCount = container.TokenCount
				info.Checksum = container.Checksum
				info.IsValid, _ = validateBackupContainer(&container)
			}
		}

		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (fs *FileSystemStore) DeleteBackup(backupID string) error {
	if err := validateID(backupID); err != nil {
		return fmt.Errorf("invalid backup ID: %w", err)
	}
	path := filepath.Join(fs.backupsDir, backupID+backupExt)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}

// Ping checks the base directory is still writable.
func (fs *FileSystemStore) Ping() error {
	marker := filepath.Join(fs.basePath, ".ping")
	if err := writeSecureFile(marker, []byte(time.Now().UTC().Format(time.RFC3339Nano)), FilePermissions); err != nil {
		return fmt.Errorf("store is not writable: %w", err)
	}
	return os.Remove(marker)
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) saveVersioned(path string, data []byte, expectedVersion, op string) (string, error) {
	if data == nil {
		return "", errors.New("data cannot be nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       op,
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}
	return calculateFileVersion(data), nil
}

func loadVersioned(path string) (*VersionedData, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC()
	if stat, err := os.Stat(path); err == nil {
		timestamp = stat.ModTime().UTC()
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: timestamp,
	}, nil
}

func validateBackupContainer(container *BackupContainer) (bool, string) {
	if container.BackupID == "" {
		return false, "missing backup ID"
	}
	if container.BackupTimestamp.IsZero() {
		return false, "missing backup timestamp"
	}
	if container.Payload == "" {
		return false, "missing payload"
	}
	if container.Checksum == "" {
		return false, "missing checksum"
	}

	payload, err := base64.StdEncoding.DecodeString(container.Payload)
	if err != nil {
		return false, "payload is not valid base64"
	}
	if actual := backup.Checksum(payload); actual != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch: expected %s, got %s", container.Checksum, actual)
	}
	return true, ""
}

// validateID rejects ids that could escape their directory.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if strings.Contains(id, "..") || !idRegex.MatchString(id) {
		return fmt.Errorf("id %q contains invalid characters", id)
	}
	return nil
}

func listIDs(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:16])
}

// overwriteFile replaces the file contents in place with random bytes, syncing
// after every pass.
func overwriteFile(path string, passes int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	buf := make([]byte, stat.Size())
	for i := 0; i < passes; i++ {
		if _, err = rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate overwrite data: %w", err)
		}
		if _, err = f.WriteAt(buf, 0); err != nil {
			return fmt.Errorf("overwrite pass %d failed: %w", i+1, err)
		}
		if err = f.Sync(); err != nil {
			return fmt.Errorf("overwrite pass %d sync failed: %w", i+1, err)
		}
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
