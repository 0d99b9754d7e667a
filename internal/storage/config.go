package storage

import (
	"os"
	"strconv"
	"strings"

	"backup-orchestrator/internal/backup"
)

// Provider names an off-site mirror backend
type Provider string

const (
	ProviderNone  Provider = ""
	ProviderS3    Provider = "s3"
	ProviderGCS   Provider = "gcs"
	ProviderAzure Provider = "azure"
)

// DefaultPrefix is the object key prefix used when none is configured
const DefaultPrefix = "backups"

// Config selects and configures the off-site mirror. An empty Provider
// disables mirroring.
type Config struct {
	Provider Provider     `yaml:"provider" mapstructure:"provider"`
	Prefix   string       `yaml:"prefix" mapstructure:"prefix"`
	S3       *S3Config    `yaml:"s3,omitempty" mapstructure:"s3"`
	GCS      *GCSConfig   `yaml:"gcs,omitempty" mapstructure:"gcs"`
	Azure    *AzureConfig `yaml:"azure,omitempty" mapstructure:"azure"`
}

// S3Config holds Amazon S3 (or S3-compatible) settings
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	// Endpoint and ForcePathStyle target S3-compatible servers such as MinIO.
	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// GCSConfig holds Google Cloud Storage settings
type GCSConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	CredentialsPath string `yaml:"credentials_path" mapstructure:"credentials_path"`
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
}

// AzureConfig holds Azure Blob Storage settings
type AzureConfig struct {
	AccountName   string `yaml:"account_name" mapstructure:"account_name"`
	AccountKey    string `yaml:"account_key" mapstructure:"account_key"`
	ContainerName string `yaml:"container_name" mapstructure:"container_name"`
	// Endpoint overrides https://<account>.blob.core.windows.net
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// Enabled reports whether a mirror is configured
func (c *Config) Enabled() bool {
	return c.Provider != ProviderNone
}

// SetDefaults fills in defaults for the selected provider
func (c *Config) SetDefaults() {
	c.Provider = Provider(strings.ToLower(string(c.Provider)))
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}

	switch c.Provider {
	case ProviderS3:
		if c.S3 == nil {
			c.S3 = &S3Config{}
		}
		if c.S3.Region == "" {
			c.S3.Region = "us-east-1"
		}
	case ProviderGCS:
		if c.GCS == nil {
			c.GCS = &GCSConfig{}
		}
		if c.GCS.CredentialsPath == "" {
			c.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
	case ProviderAzure:
		if c.Azure == nil {
			c.Azure = &AzureConfig{}
		}
	}
}

// LoadFromEnvironment overrides settings from BACKUP_MIRROR_* and provider variables
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_MIRROR_PROVIDER"); val != "" {
		c.Provider = Provider(strings.ToLower(val))
	}
	if val := os.Getenv("BACKUP_MIRROR_PREFIX"); val != "" {
		c.Prefix = val
	}

	switch c.Provider {
	case ProviderS3:
		if c.S3 == nil {
			c.S3 = &S3Config{}
		}
		setFromEnv(&c.S3.Bucket, "BACKUP_S3_BUCKET")
		setFromEnv(&c.S3.Region, "BACKUP_S3_REGION")
		setFromEnv(&c.S3.AccessKey, "BACKUP_S3_ACCESS_KEY")
		setFromEnv(&c.S3.SecretKey, "BACKUP_S3_SECRET_KEY")
		setFromEnv(&c.S3.Endpoint, "BACKUP_S3_ENDPOINT")
		if val := os.Getenv("BACKUP_S3_FORCE_PATH_STYLE"); val != "" {
			if parsed, err := strconv.ParseBool(val); err == nil {
				c.S3.ForcePathStyle = parsed
			}
		}
	case ProviderGCS:
		if c.GCS == nil {
			c.GCS = &GCSConfig{}
		}
		setFromEnv(&c.GCS.Bucket, "BACKUP_GCS_BUCKET")
		setFromEnv(&c.GCS.CredentialsPath, "BACKUP_GCS_CREDENTIALS_PATH")
		setFromEnv(&c.GCS.Endpoint, "BACKUP_GCS_ENDPOINT")
	case ProviderAzure:
		if c.Azure == nil {
			c.Azure = &AzureConfig{}
		}
		setFromEnv(&c.Azure.AccountName, "BACKUP_AZURE_ACCOUNT_NAME")
		setFromEnv(&c.Azure.AccountKey, "BACKUP_AZURE_ACCOUNT_KEY")
		setFromEnv(&c.Azure.ContainerName, "BACKUP_AZURE_CONTAINER_NAME")
		setFromEnv(&c.Azure.Endpoint, "BACKUP_AZURE_ENDPOINT")
	}
}

func setFromEnv(target *string, name string) {
	if val := os.Getenv(name); val != "" {
		*target = val
	}
}

// Validate checks the settings of the selected provider
func (c *Config) Validate() error {
	var errors backup.ValidationErrors

	switch c.Provider {
	case ProviderNone:
		return nil
	case ProviderS3:
		if c.S3 == nil {
			errors.Add("s3", "S3 configuration is required", nil)
			break
		}
		if c.S3.Bucket == "" {
			errors.Add("s3.bucket", "S3 bucket name is required", c.S3.Bucket)
		}
		if c.S3.Region == "" {
			errors.Add("s3.region", "S3 region is required", c.S3.Region)
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			errors.Add("s3.secret_key", "S3 access key and secret key must be set together", nil)
		}
	case ProviderGCS:
		if c.GCS == nil || c.GCS.Bucket == "" {
			errors.Add("gcs.bucket", "GCS bucket name is required", nil)
		}
	case ProviderAzure:
		if c.Azure == nil {
			errors.Add("azure", "Azure configuration is required", nil)
			break
		}
		if c.Azure.AccountName == "" {
			errors.Add("azure.account_name", "Azure account name is required", c.Azure.AccountName)
		}
		if c.Azure.AccountKey == "" {
			errors.Add("azure.account_key", "Azure account key is required", nil)
		}
		if c.Azure.ContainerName == "" {
			errors.Add("azure.container_name", "Azure container name is required", c.Azure.ContainerName)
		}
	default:
		errors.Add("provider", "unsupported mirror provider", c.Provider)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}
