// Package storage uploads validated snapshots to an off-site object store.
// Local snapshot files stay the source of truth; the mirror only adds copies.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"backup-orchestrator/internal/backup"
)

// New creates the mirror selected by config. It returns a nil Mirror and no
// error when mirroring is disabled.
func New(ctx context.Context, config Config) (backup.Mirror, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, backup.NewConfigError("invalid mirror configuration", err)
	}

	switch config.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderS3:
		return NewS3Mirror(config.S3, config.Prefix)
	case ProviderGCS:
		return NewGCSMirror(ctx, config.GCS, config.Prefix)
	case ProviderAzure:
		return NewAzureMirror(config.Azure, config.Prefix)
	default:
		return nil, backup.NewConfigError(fmt.Sprintf("unsupported mirror provider: %s", config.Provider), nil)
	}
}

// SupportedProviders lists the mirror backends New understands
func SupportedProviders() []Provider {
	return []Provider{ProviderS3, ProviderGCS, ProviderAzure}
}

// objectKey places a snapshot under <prefix>/<tenant>/<file name>
func objectKey(prefix, tenantID, localPath string) string {
	return path.Join(strings.Trim(prefix, "/"), tenantID, filepath.Base(localPath))
}

// openSnapshot opens a local snapshot for upload and returns its size
func openSnapshot(localPath string) (*os.File, int64, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, 0, backup.NewExecutionError("failed to open snapshot for upload", err).
			WithContext("path", localPath)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, backup.NewExecutionError("failed to stat snapshot for upload", err).
			WithContext("path", localPath)
	}
	return file, info.Size(), nil
}

// readChecksum returns the digest from the snapshot's sidecar, or "" when absent
func readChecksum(localPath string) string {
	data, err := os.ReadFile(localPath + backup.ChecksumExtension)
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func objectMetadata(tenantID, localPath string) map[string]string {
	meta := map[string]string{"tenant-id": tenantID}
	if sum := readChecksum(localPath); sum != "" {
		meta["sha256"] = sum
	}
	return meta
}
