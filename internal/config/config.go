package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port       string `mapstructure:"PORT"`
	Env        string `mapstructure:"ENV"`
	MongoURI   string `mapstructure:"MONGODB_URI"`
	MongoDB    string `mapstructure:"MONGODB_DB"`
	AdminKey   string `mapstructure:"ADMIN_API_KEY"`
	CORSOrigin string `mapstructure:"CORS_ORIGIN"`

	// Exactly one of EncryptionKey (64 hex chars) or EncryptionPassphrase
	// must be set; the key is process-wide and read-only after startup.
	EncryptionKey        string `mapstructure:"ENCRYPTION_KEY"`
	EncryptionPassphrase string `mapstructure:"ENCRYPTION_PASSPHRASE"`

	BlobBackend        string `mapstructure:"BLOB_BACKEND"`
	BlobTimeoutSeconds int    `mapstructure:"BLOB_TIMEOUT_SECONDS"`
	IPFSAPIURL         string `mapstructure:"IPFS_API_URL"`
	IPFSAPIKey         string `mapstructure:"IPFS_API_KEY"`
	IPFSAPISecret      string `mapstructure:"IPFS_API_SECRET"`
	IPFSGatewayURL     string `mapstructure:"IPFS_GATEWAY_URL"`
	S3Bucket           string `mapstructure:"S3_BUCKET"`
	S3Region           string `mapstructure:"S3_REGION"`

	SyncBatchSize int `mapstructure:"SYNC_BATCH_SIZE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("MONGODB_DB", "recordstore")
	v.SetDefault("BLOB_BACKEND", "ipfs")
	v.SetDefault("BLOB_TIMEOUT_SECONDS", 30)
	v.SetDefault("IPFS_API_URL", "https://api.pinata.cloud")
	v.SetDefault("IPFS_GATEWAY_URL", "https://gateway.pinata.cloud")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("SYNC_BATCH_SIZE", 100)
	v.SetDefault("CORS_ORIGIN", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("MONGODB_URI")
	v.BindEnv("MONGODB_DB")
	v.BindEnv("ADMIN_API_KEY")
	v.BindEnv("CORS_ORIGIN")
	v.BindEnv("ENCRYPTION_KEY")
	v.BindEnv("ENCRYPTION_PASSPHRASE")
	v.BindEnv("BLOB_BACKEND")
	v.BindEnv("BLOB_TIMEOUT_SECONDS")
	v.BindEnv("IPFS_API_URL")
	v.BindEnv("IPFS_API_KEY")
	v.BindEnv("IPFS_API_SECRET")
	v.BindEnv("IPFS_GATEWAY_URL")
	v.BindEnv("S3_BUCKET")
	v.BindEnv("S3_REGION")
	v.BindEnv("SYNC_BATCH_SIZE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("MONGODB_URI is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// BlobTimeout returns the bounded timeout applied to every blob-store call.
func (c *Config) BlobTimeout() time.Duration {
	if c.BlobTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BlobTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. The process refuses
// to start with a malformed or missing encryption key: a wrong key silently
// produces unreadable envelopes, which is far worse than failing fast.
func (c *Config) Validate() error {
	switch {
	case c.EncryptionKey != "" && c.EncryptionPassphrase != "":
		return fmt.Errorf("set only one of ENCRYPTION_KEY and ENCRYPTION_PASSPHRASE")
	case c.EncryptionKey == "" && c.EncryptionPassphrase == "":
		return fmt.Errorf("ENCRYPTION_KEY (64 hex chars) or ENCRYPTION_PASSPHRASE is required")
	}

	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}

	switch c.BlobBackend {
	case "ipfs":
		if c.IPFSAPIURL == "" || c.IPFSGatewayURL == "" {
			return fmt.Errorf("IPFS_API_URL and IPFS_GATEWAY_URL are required when BLOB_BACKEND is \"ipfs\"")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
	case "memory":
		if !c.IsDev() {
			return fmt.Errorf("BLOB_BACKEND \"memory\" is only allowed when ENV=development")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"ipfs\", \"s3\", or \"memory\", got %q", c.BlobBackend)
	}

	return nil
}
