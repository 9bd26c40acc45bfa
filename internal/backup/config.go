package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Config represents the complete backup engine configuration
type Config struct {
	BackupDir       string        `yaml:"backup_dir"`
	RetentionDays   int           `yaml:"retention_days"`
	MaxBackupSizeMB int64         `yaml:"max_backup_size_mb"`
	MinFreeSpaceMB  int64         `yaml:"min_free_space_mb"`
	DatabaseURL     string        `yaml:"database_url"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	RestoreRoot     string        `yaml:"restore_root"`

	FileBackup  FileBackupConfig  `yaml:"file_backup"`
	Compression CompressionConfig `yaml:"compression"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Cloud       CloudConfig       `yaml:"cloud"`
	Audit       AuditConfig       `yaml:"audit"`
}

// FileBackupConfig lists what a file backup archives
type FileBackupConfig struct {
	Directories     []string `yaml:"directories"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// CompressionConfig defines artifact compression settings
type CompressionConfig struct {
	Algorithm CompressionType `yaml:"algorithm"`
	Level     int             `yaml:"level"`
}

// EncryptionConfig defines where the artifact encryption key comes from
type EncryptionConfig struct {
	KeySource        string `yaml:"key_source"`  // "env", "file" or "passphrase"
	KeyPath          string `yaml:"key_path"`    // Path to a 32 byte key file
	KeyEnvVar        string `yaml:"key_env_var"` // Environment variable holding a hex key
	PassphraseEnvVar string `yaml:"passphrase_env_var"`
	Salt             string `yaml:"salt"`

	// KeyRetriever overrides key lookup, for tests or external key management
	KeyRetriever func() ([]byte, error) `yaml:"-"`
}

// CloudProviderType names an off-site replication backend
type CloudProviderType string

const (
	CloudProviderRclone CloudProviderType = "rclone"
	CloudProviderS3     CloudProviderType = "s3"
	CloudProviderGCS    CloudProviderType = "gcs"
	CloudProviderAzure  CloudProviderType = "azure"
)

// CloudConfig configures the optional uploader
type CloudConfig struct {
	Provider     CloudProviderType `yaml:"provider"`
	RemoteName   string            `yaml:"remote_name"`
	RemoteFolder string            `yaml:"remote_folder"`
	S3           *S3Config         `yaml:"s3,omitempty"`
	GCS          *GCSConfig        `yaml:"gcs,omitempty"`
	Azure        *AzureConfig      `yaml:"azure,omitempty"`
	Breaker      BreakerConfig     `yaml:"breaker"`
}

// S3Config for Amazon S3 uploads
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

// GCSConfig for Google Cloud Storage uploads
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsPath string `yaml:"credentials_path"`
	ProjectID       string `yaml:"project_id"`
}

// AzureConfig for Azure Blob Storage uploads
type AzureConfig struct {
	AccountName   string `yaml:"account_name"`
	AccountKey    string `yaml:"account_key"`
	ContainerName string `yaml:"container_name"`
	Prefix        string `yaml:"prefix"`
}

// BreakerConfig tunes the circuit breaker in front of the uploader
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	Interval         time.Duration `yaml:"interval"`
}

// AuditConfig enables the JSON audit trail
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogFile string `yaml:"log_file"`
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.BackupDir == "" {
		c.BackupDir = "./backups"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.MaxBackupSizeMB == 0 {
		c.MaxBackupSizeMB = 1024
	}
	if c.MinFreeSpaceMB == 0 {
		c.MinFreeSpaceMB = 256
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 2 * time.Hour
	}
	if c.RestoreRoot == "" {
		c.RestoreRoot = "."
	}

	if len(c.FileBackup.Directories) == 0 {
		c.FileBackup.Directories = []string{
			"./uploads",
			"./logs",
			filepath.Join(c.BackupDir, "metadata"),
			"./public",
		}
	}
	if c.FileBackup.ExcludePatterns == nil {
		c.FileBackup.ExcludePatterns = []string{"*.tmp", "*.log"}
	}

	c.Compression.SetDefaults()
	c.Encryption.SetDefaults()
	c.Cloud.SetDefaults()

	if c.Audit.Enabled && c.Audit.LogFile == "" {
		c.Audit.LogFile = filepath.Join(c.BackupDir, "audit", "audit.log")
	}
}

// Validate validates the configuration. DatabaseURL is checked lazily by
// the operations that need it.
func (c *Config) Validate() error {
	var errors ValidationErrors

	if strings.TrimSpace(c.BackupDir) == "" {
		errors.Add("backup_dir", "backup directory is required", c.BackupDir)
	}
	if c.RetentionDays <= 0 {
		errors.Add("retention_days", "retention days must be positive", c.RetentionDays)
	}
	if c.MaxBackupSizeMB <= 0 {
		errors.Add("max_backup_size_mb", "maximum backup size must be positive", c.MaxBackupSizeMB)
	}
	if c.MinFreeSpaceMB < 0 {
		errors.Add("min_free_space_mb", "minimum free space cannot be negative", c.MinFreeSpaceMB)
	}
	if c.CommandTimeout < 0 {
		errors.Add("command_timeout", "command timeout cannot be negative", c.CommandTimeout)
	}
	if c.DatabaseURL != "" {
		if _, err := ParseDatabaseURL(c.DatabaseURL); err != nil {
			errors.Add("database_url", err.Error(), nil)
		}
	}

	for _, pattern := range c.FileBackup.ExcludePatterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			errors.Add("file_backup.exclude_patterns", "invalid glob pattern", pattern)
		}
	}

	appendErrors := func(field string, err error) {
		if err == nil {
			return
		}
		if validationErrs, ok := err.(ValidationErrors); ok {
			errors = append(errors, validationErrs...)
		} else {
			errors.Add(field, err.Error(), nil)
		}
	}
	appendErrors("compression", c.Compression.Validate())
	appendErrors("encryption", c.Encryption.Validate())
	appendErrors("cloud", c.Cloud.Validate())

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// LoadFromEnvironment overlays environment variables onto the configuration
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_DIR"); val != "" {
		c.BackupDir = val
	}
	if val := os.Getenv("BACKUP_RETENTION_DAYS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			c.RetentionDays = parsed
		}
	}
	if val := os.Getenv("MAX_BACKUP_SIZE_MB"); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.MaxBackupSizeMB = parsed
		}
	}
	if val := os.Getenv("MIN_FREE_SPACE_MB"); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.MinFreeSpaceMB = parsed
		}
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		c.DatabaseURL = val
	}
	if val := os.Getenv("BACKUP_COMMAND_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			c.CommandTimeout = parsed
		}
	}
	if val := os.Getenv("BACKUP_RESTORE_ROOT"); val != "" {
		c.RestoreRoot = val
	}
	if val := os.Getenv("BACKUP_FILE_DIRECTORIES"); val != "" {
		c.FileBackup.Directories = splitList(val)
	}
	if val := os.Getenv("BACKUP_FILE_EXCLUDES"); val != "" {
		c.FileBackup.ExcludePatterns = splitList(val)
	}
	if val := os.Getenv("BACKUP_AUDIT_LOG"); val != "" {
		c.Audit.Enabled = true
		c.Audit.LogFile = val
	}

	c.Compression.LoadFromEnvironment()
	c.Encryption.LoadFromEnvironment()
	c.Cloud.LoadFromEnvironment()
}

// MaxBackupSizeBytes returns the artifact size ceiling in bytes
func (c *Config) MaxBackupSizeBytes() int64 {
	return c.MaxBackupSizeMB * 1024 * 1024
}

// MinFreeSpaceBytes returns the free space floor in bytes
func (c *Config) MinFreeSpaceBytes() int64 {
	return c.MinFreeSpaceMB * 1024 * 1024
}

// DatabaseDir returns <backup_dir>/database
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.BackupDir, "database")
}

// FilesDir returns <backup_dir>/files
func (c *Config) FilesDir() string {
	return filepath.Join(c.BackupDir, "files")
}

// MetadataDir returns <backup_dir>/metadata
func (c *Config) MetadataDir() string {
	return filepath.Join(c.BackupDir, "metadata")
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SetDefaults sets default values for compression configuration
func (cc *CompressionConfig) SetDefaults() {
	if cc.Algorithm == "" {
		cc.Algorithm = CompressionTypeGzip
	}

	if cc.Level == 0 {
		switch cc.Algorithm {
		case CompressionTypeGzip:
			cc.Level = 6
		case CompressionTypeLZ4:
			cc.Level = 1
		case CompressionTypeZstd:
			cc.Level = 3
		}
	}
}

// Validate validates the CompressionConfig
func (cc *CompressionConfig) Validate() error {
	var errors ValidationErrors

	switch cc.Algorithm {
	case CompressionTypeGzip:
		if cc.Level < 1 || cc.Level > 9 {
			errors.Add("compression.level", "gzip compression level must be between 1 and 9", cc.Level)
		}
	case CompressionTypeLZ4:
		if cc.Level < 1 || cc.Level > 12 {
			errors.Add("compression.level", "lz4 compression level must be between 1 and 12", cc.Level)
		}
	case CompressionTypeZstd:
		if cc.Level < 1 || cc.Level > 22 {
			errors.Add("compression.level", "zstd compression level must be between 1 and 22", cc.Level)
		}
	default:
		errors.Add("compression.algorithm", "invalid compression algorithm", cc.Algorithm)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// LoadFromEnvironment loads compression configuration from environment variables
func (cc *CompressionConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_COMPRESSION_ALGORITHM"); val != "" {
		cc.Algorithm = CompressionType(strings.ToUpper(val))
	}
	if val := os.Getenv("BACKUP_COMPRESSION_LEVEL"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cc.Level = parsed
		}
	}
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.KeySource == "" {
		ec.KeySource = "env"
	}
	if ec.KeySource == "env" && ec.KeyEnvVar == "" {
		ec.KeyEnvVar = "BACKUP_ENCRYPTION_KEY"
	}
	if ec.KeySource == "passphrase" && ec.PassphraseEnvVar == "" {
		ec.PassphraseEnvVar = "BACKUP_ENCRYPTION_PASSPHRASE"
	}
}

// Validate validates the EncryptionConfig
func (ec *EncryptionConfig) Validate() error {
	var errors ValidationErrors

	switch ec.KeySource {
	case "env":
		if ec.KeyEnvVar == "" {
			errors.Add("encryption.key_env_var", "key environment variable name is required for env key source", ec.KeyEnvVar)
		}
	case "file":
		if ec.KeyPath == "" {
			errors.Add("encryption.key_path", "key file path is required for file key source", ec.KeyPath)
		}
	case "passphrase":
		if ec.PassphraseEnvVar == "" {
			errors.Add("encryption.passphrase_env_var", "passphrase environment variable is required for passphrase key source", ec.PassphraseEnvVar)
		}
		if ec.Salt == "" {
			errors.Add("encryption.salt", "salt is required for passphrase key source", nil)
		}
	default:
		errors.Add("encryption.key_source", "invalid key source, must be 'env', 'file' or 'passphrase'", ec.KeySource)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// LoadFromEnvironment loads encryption configuration from environment variables
func (ec *EncryptionConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_ENCRYPTION_KEY_SOURCE"); val != "" {
		ec.KeySource = val
	}
	if val := os.Getenv("BACKUP_ENCRYPTION_KEY_PATH"); val != "" {
		ec.KeyPath = val
	}
	if val := os.Getenv("BACKUP_ENCRYPTION_KEY_ENV_VAR"); val != "" {
		ec.KeyEnvVar = val
	}
	if val := os.Getenv("BACKUP_ENCRYPTION_SALT"); val != "" {
		ec.Salt = val
	}
}

// GetEncryptionKey retrieves the 32 byte AES-256 key
func (ec *EncryptionConfig) GetEncryptionKey() ([]byte, error) {
	if ec.KeyRetriever != nil {
		return ec.KeyRetriever()
	}

	switch ec.KeySource {
	case "env":
		keyStr := os.Getenv(ec.KeyEnvVar)
		if keyStr == "" {
			return nil, fmt.Errorf("encryption key not found in environment variable %s", ec.KeyEnvVar)
		}
		key, err := hex.DecodeString(keyStr)
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex key from environment variable: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d bytes", len(key))
		}
		return key, nil

	case "file":
		keyData, err := os.ReadFile(ec.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read encryption key from file %s: %w", ec.KeyPath, err)
		}
		if len(keyData) != 32 {
			return nil, fmt.Errorf("encryption key file must contain 32 bytes for AES-256, got %d bytes", len(keyData))
		}
		return keyData, nil

	case "passphrase":
		passphrase := os.Getenv(ec.PassphraseEnvVar)
		if passphrase == "" {
			return nil, fmt.Errorf("encryption passphrase not found in environment variable %s", ec.PassphraseEnvVar)
		}
		return DeriveKey(passphrase, []byte(ec.Salt)), nil

	default:
		return nil, fmt.Errorf("invalid key source: %s", ec.KeySource)
	}
}

// DeriveKey derives an AES-256 key from a passphrase with PBKDF2-SHA256
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
}

// SetDefaults sets default values for cloud configuration
func (cc *CloudConfig) SetDefaults() {
	if cc.Provider == "" {
		cc.Provider = CloudProviderRclone
	}
	if cc.RemoteName == "" {
		cc.RemoteName = "gdrive"
	}
	if cc.RemoteFolder == "" {
		cc.RemoteFolder = "backups"
	}
	if cc.Provider == CloudProviderS3 && cc.S3 != nil && cc.S3.Region == "" {
		cc.S3.Region = "us-east-1"
	}
	if cc.Provider == CloudProviderGCS && cc.GCS != nil && cc.GCS.CredentialsPath == "" {
		cc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if cc.Breaker.FailureThreshold == 0 {
		cc.Breaker.FailureThreshold = 3
	}
	if cc.Breaker.Timeout == 0 {
		cc.Breaker.Timeout = 5 * time.Minute
	}
}

// Validate validates the CloudConfig. Provider specific fields are only
// required for the selected provider.
func (cc *CloudConfig) Validate() error {
	var errors ValidationErrors

	switch cc.Provider {
	case CloudProviderRclone:
		if cc.RemoteName == "" {
			errors.Add("cloud.remote_name", "rclone remote name is required", cc.RemoteName)
		}
	case CloudProviderS3:
		if cc.S3 == nil || cc.S3.Bucket == "" {
			errors.Add("cloud.s3.bucket", "S3 bucket is required", nil)
		}
	case CloudProviderGCS:
		if cc.GCS == nil || cc.GCS.Bucket == "" {
			errors.Add("cloud.gcs.bucket", "GCS bucket is required", nil)
		}
	case CloudProviderAzure:
		if cc.Azure == nil || cc.Azure.AccountName == "" || cc.Azure.AccountKey == "" || cc.Azure.ContainerName == "" {
			errors.Add("cloud.azure", "Azure account name, account key and container name are required", nil)
		}
	default:
		errors.Add("cloud.provider", "invalid cloud provider", cc.Provider)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// LoadFromEnvironment loads cloud configuration from environment variables
func (cc *CloudConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_CLOUD_PROVIDER"); val != "" {
		cc.Provider = CloudProviderType(strings.ToLower(val))
	}
	if val := os.Getenv("RCLONE_REMOTE_NAME"); val != "" {
		cc.RemoteName = val
	}
	if val := os.Getenv("RCLONE_REMOTE_FOLDER"); val != "" {
		cc.RemoteFolder = val
	}

	switch cc.Provider {
	case CloudProviderS3:
		if cc.S3 == nil {
			cc.S3 = &S3Config{}
		}
		cc.S3.LoadFromEnvironment()
	case CloudProviderGCS:
		if cc.GCS == nil {
			cc.GCS = &GCSConfig{}
		}
		cc.GCS.LoadFromEnvironment()
	case CloudProviderAzure:
		if cc.Azure == nil {
			cc.Azure = &AzureConfig{}
		}
		cc.Azure.LoadFromEnvironment()
	}
}

// LoadFromEnvironment loads S3 configuration from environment variables
func (s3c *S3Config) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_S3_BUCKET"); val != "" {
		s3c.Bucket = val
	}
	if val := os.Getenv("BACKUP_S3_REGION"); val != "" {
		s3c.Region = val
	}
	if val := os.Getenv("BACKUP_S3_PREFIX"); val != "" {
		s3c.Prefix = val
	}
	if val := os.Getenv("BACKUP_S3_ACCESS_KEY"); val != "" {
		s3c.AccessKey = val
	}
	if val := os.Getenv("BACKUP_S3_SECRET_KEY"); val != "" {
		s3c.SecretKey = val
	}
	if val := os.Getenv("BACKUP_S3_ENDPOINT"); val != "" {
		s3c.Endpoint = val
	}
}

// LoadFromEnvironment loads GCS configuration from environment variables
func (gc *GCSConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_GCS_BUCKET"); val != "" {
		gc.Bucket = val
	}
	if val := os.Getenv("BACKUP_GCS_PREFIX"); val != "" {
		gc.Prefix = val
	}
	if val := os.Getenv("BACKUP_GCS_CREDENTIALS_PATH"); val != "" {
		gc.CredentialsPath = val
	}
	if val := os.Getenv("BACKUP_GCS_PROJECT_ID"); val != "" {
		gc.ProjectID = val
	}
}

// LoadFromEnvironment loads Azure configuration from environment variables
func (ac *AzureConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_AZURE_ACCOUNT_NAME"); val != "" {
		ac.AccountName = val
	}
	if val := os.Getenv("BACKUP_AZURE_ACCOUNT_KEY"); val != "" {
		ac.AccountKey = val
	}
	if val := os.Getenv("BACKUP_AZURE_CONTAINER_NAME"); val != "" {
		ac.ContainerName = val
	}
	if val := os.Getenv("BACKUP_AZURE_PREFIX"); val != "" {
		ac.Prefix = val
	}
}
