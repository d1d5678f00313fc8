package persist

import (
	"fmt"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem, "":
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		return nil, fmt.Errorf("s3 can only be used as a backup mirror")

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewBackupMirror creates a mirror for finished backups. Only s3 is supported.
func NewBackupMirror(config StoreConfig) (BackupMirror, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("unsupported backup mirror type: %s", config.Type)
	}

	s3Config := S3Config{
		Endpoint:        stringValue(config.Config, "endpoint"),
		AccessKeyID:     stringValue(config.Config, "access_key_id"),
		SecretAccessKey: stringValue(config.Config, "secret_access_key"),
		Region:          stringValue(config.Config, "region"),
		Bucket:          stringValue(config.Config, "bucket"),
		KeyPrefix:       stringValue(config.Config, "key_prefix"),
	}
	if useSSL, ok := config.Config["use_ssl"].(bool); ok {
		s3Config.UseSSL = useSSL
	}

	return NewS3Mirror(s3Config)
}

func stringValue(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
