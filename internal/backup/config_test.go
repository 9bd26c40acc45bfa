package backup

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "./backups", config.BackupDir)
	assert.Equal(t, 30, config.RetentionDays)
	assert.Equal(t, int64(1024), config.MaxBackupSizeMB)
	assert.Equal(t, 2*time.Hour, config.CommandTimeout)
	assert.Equal(t, []string{"*.tmp", "*.log"}, config.FileBackup.ExcludePatterns)
	assert.Contains(t, config.FileBackup.Directories, filepath.Join("backups", "metadata"))
	assert.Equal(t, CompressionTypeGzip, config.Compression.Algorithm)
	assert.Equal(t, 6, config.Compression.Level)
	assert.Equal(t, "BACKUP_ENCRYPTION_KEY", config.Encryption.KeyEnvVar)
	assert.Equal(t, CloudProviderRclone, config.Cloud.Provider)
	assert.Equal(t, uint32(3), config.Cloud.Breaker.FailureThreshold)
	assert.False(t, config.Audit.Enabled)

	assert.NoError(t, config.Validate())
	assert.Equal(t, filepath.Join("backups", "database"), filepath.Clean(config.DatabaseDir()))
	assert.Equal(t, int64(256*1024*1024), config.MinFreeSpaceBytes())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "valid database url", mutate: func(c *Config) { c.DatabaseURL = "mysql://root@db/shop" }},
		{name: "negative retention", mutate: func(c *Config) { c.RetentionDays = -1 }, field: "retention_days", wantErr: true},
		{name: "empty backup dir", mutate: func(c *Config) { c.BackupDir = " " }, field: "backup_dir", wantErr: true},
		{name: "bad database url", mutate: func(c *Config) { c.DatabaseURL = "redis://cache/0" }, field: "database_url", wantErr: true},
		{name: "bad exclude glob", mutate: func(c *Config) { c.FileBackup.ExcludePatterns = []string{"[abc"} }, field: "file_backup.exclude_patterns", wantErr: true},
		{name: "gzip level out of range", mutate: func(c *Config) { c.Compression.Level = 12 }, field: "compression.level", wantErr: true},
		{name: "unknown algorithm", mutate: func(c *Config) { c.Compression.Algorithm = "BROTLI" }, field: "compression.algorithm", wantErr: true},
		{name: "unknown key source", mutate: func(c *Config) { c.Encryption.KeySource = "vault" }, field: "encryption.key_source", wantErr: true},
		{name: "passphrase without salt", mutate: func(c *Config) {
			c.Encryption.KeySource = "passphrase"
			c.Encryption.PassphraseEnvVar = "PASS"
		}, field: "encryption.salt", wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Cloud.Provider = CloudProviderS3 }, field: "cloud.s3.bucket", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			validationErrs, ok := err.(ValidationErrors)
			require.True(t, ok)

			var fields []string
			for _, e := range validationErrs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestConfig_LoadFromEnvironment(t *testing.T) {
	t.Setenv("BACKUP_DIR", "/srv/backups")
	t.Setenv("BACKUP_RETENTION_DAYS", "7")
	t.Setenv("DATABASE_URL", "postgres://shop@db/shop")
	t.Setenv("BACKUP_COMMAND_TIMEOUT", "45m")
	t.Setenv("BACKUP_FILE_DIRECTORIES", "/srv/uploads, /srv/public ,")
	t.Setenv("BACKUP_AUDIT_LOG", "/var/log/backup-audit.log")
	t.Setenv("BACKUP_COMPRESSION_ALGORITHM", "zstd")
	t.Setenv("BACKUP_CLOUD_PROVIDER", "S3")
	t.Setenv("BACKUP_S3_BUCKET", "shop-backups")

	config := &Config{}
	config.LoadFromEnvironment()
	config.SetDefaults()

	assert.Equal(t, "/srv/backups", config.BackupDir)
	assert.Equal(t, 7, config.RetentionDays)
	assert.Equal(t, "postgres://shop@db/shop", config.DatabaseURL)
	assert.Equal(t, 45*time.Minute, config.CommandTimeout)
	assert.Equal(t, []string{"/srv/uploads", "/srv/public"}, config.FileBackup.Directories)
	assert.True(t, config.Audit.Enabled)
	assert.Equal(t, "/var/log/backup-audit.log", config.Audit.LogFile)
	assert.Equal(t, CompressionTypeZstd, config.Compression.Algorithm)
	assert.Equal(t, 3, config.Compression.Level)
	assert.Equal(t, CloudProviderS3, config.Cloud.Provider)
	require.NotNil(t, config.Cloud.S3)
	assert.Equal(t, "shop-backups", config.Cloud.S3.Bucket)
	assert.Equal(t, "us-east-1", config.Cloud.S3.Region)
	assert.NoError(t, config.Validate())
}

func TestConfig_AuditDefaultPath(t *testing.T) {
	config := &Config{BackupDir: "/srv/backups", Audit: AuditConfig{Enabled: true}}
	config.SetDefaults()
	assert.Equal(t, filepath.Join("/srv/backups", "audit", "audit.log"), config.Audit.LogFile)
}

func TestEncryptionConfig_GetEncryptionKey(t *testing.T) {
	key := testEncryptionKey

	t.Run("env", func(t *testing.T) {
		t.Setenv("TEST_KEY_HEX", hex.EncodeToString(key))
		got, err := (&EncryptionConfig{KeySource: "env", KeyEnvVar: "TEST_KEY_HEX"}).GetEncryptionKey()
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("env wrong length", func(t *testing.T) {
		t.Setenv("TEST_KEY_HEX", "abcd")
		_, err := (&EncryptionConfig{KeySource: "env", KeyEnvVar: "TEST_KEY_HEX"}).GetEncryptionKey()
		assert.Error(t, err)
	})

	t.Run("env not hex", func(t *testing.T) {
		t.Setenv("TEST_KEY_HEX", "not-hex")
		_, err := (&EncryptionConfig{KeySource: "env", KeyEnvVar: "TEST_KEY_HEX"}).GetEncryptionKey()
		assert.Error(t, err)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "backup.key")
		require.NoError(t, os.WriteFile(path, key, 0600))
		got, err := (&EncryptionConfig{KeySource: "file", KeyPath: path}).GetEncryptionKey()
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("passphrase", func(t *testing.T) {
		t.Setenv("TEST_PASSPHRASE", "correct horse")
		got, err := (&EncryptionConfig{KeySource: "passphrase", PassphraseEnvVar: "TEST_PASSPHRASE", Salt: "shop"}).GetEncryptionKey()
		require.NoError(t, err)
		assert.Equal(t, DeriveKey("correct horse", []byte("shop")), got)
	})

	t.Run("retriever wins", func(t *testing.T) {
		got, err := (&EncryptionConfig{KeySource: "file", KeyRetriever: func() ([]byte, error) { return key, nil }}).GetEncryptionKey()
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})
}

func TestConfig_Redacted(t *testing.T) {
	config := DefaultConfig()
	config.DatabaseURL = "postgres://shop:s3cret@db/shop"
	config.Cloud.S3 = &S3Config{Bucket: "b", SecretKey: "aws-secret"}

	redacted := config.Redacted()
	assert.NotContains(t, redacted.DatabaseURL, "s3cret")
	assert.Equal(t, "***", redacted.Cloud.S3.SecretKey)
	assert.Equal(t, "aws-secret", config.Cloud.S3.SecretKey)
	assert.Equal(t, "postgres://shop:s3cret@db/shop", config.DatabaseURL)
}
