package storage

import (
	"errors"
	"testing"

	"backup-orchestrator/internal/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_SetDefaults(t *testing.T) {
	config := Config{Provider: "S3"}
	config.SetDefaults()

	assert.Equal(t, ProviderS3, config.Provider)
	assert.Equal(t, DefaultPrefix, config.Prefix)
	require.NotNil(t, config.S3)
	assert.Equal(t, "us-east-1", config.S3.Region)
	assert.True(t, config.Enabled())

	disabled := Config{}
	disabled.SetDefaults()
	assert.False(t, disabled.Enabled())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		config     Config
		wantFields []string
	}{
		{name: "disabled", config: Config{}},
		{name: "s3 ok", config: Config{Provider: ProviderS3, S3: &S3Config{Bucket: "b", Region: "eu-west-1"}}},
		{
			name:       "s3 half credentials",
			config:     Config{Provider: ProviderS3, S3: &S3Config{Bucket: "b", Region: "eu-west-1", AccessKey: "AKIA"}},
			wantFields: []string{"s3.secret_key"},
		},
		{name: "s3 missing", config: Config{Provider: ProviderS3}, wantFields: []string{"s3"}},
		{name: "gcs missing bucket", config: Config{Provider: ProviderGCS, GCS: &GCSConfig{}}, wantFields: []string{"gcs.bucket"}},
		{
			name:       "azure incomplete",
			config:     Config{Provider: ProviderAzure, Azure: &AzureConfig{AccountName: "acct"}},
			wantFields: []string{"azure.account_key", "azure.container_name"},
		},
		{name: "unknown", config: Config{Provider: "ftp"}, wantFields: []string{"provider"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}
			var errs backup.ValidationErrors
			require.True(t, errors.As(err, &errs))
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Equal(t, tt.wantFields, fields)
		})
	}
}

func TestConfig_LoadFromEnvironment(t *testing.T) {
	t.Setenv("BACKUP_MIRROR_PROVIDER", "Azure")
	t.Setenv("BACKUP_MIRROR_PREFIX", "nightly")
	t.Setenv("BACKUP_AZURE_ACCOUNT_NAME", "acct")
	t.Setenv("BACKUP_AZURE_ACCOUNT_KEY", "a2V5")
	t.Setenv("BACKUP_AZURE_CONTAINER_NAME", "snapshots")

	var config Config
	config.LoadFromEnvironment()

	assert.Equal(t, ProviderAzure, config.Provider)
	assert.Equal(t, "nightly", config.Prefix)
	require.NotNil(t, config.Azure)
	assert.Equal(t, "acct", config.Azure.AccountName)
	assert.Equal(t, "snapshots", config.Azure.ContainerName)
	assert.NoError(t, config.Validate())
}

func TestConfig_LoadS3FromEnvironment(t *testing.T) {
	t.Setenv("BACKUP_MIRROR_PROVIDER", "s3")
	t.Setenv("BACKUP_S3_BUCKET", "snapshots")
	t.Setenv("BACKUP_S3_ENDPOINT", "http://minio:9000")
	t.Setenv("BACKUP_S3_FORCE_PATH_STYLE", "true")

	var config Config
	config.LoadFromEnvironment()
	config.SetDefaults()

	require.NotNil(t, config.S3)
	assert.Equal(t, "snapshots", config.S3.Bucket)
	assert.Equal(t, "http://minio:9000", config.S3.Endpoint)
	assert.True(t, config.S3.ForcePathStyle)
	assert.NoError(t, config.Validate())
}
