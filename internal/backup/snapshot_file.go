package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ChecksumExtension is the suffix of the sidecar written next to each snapshot
const ChecksumExtension = ".sha256"

const snapshotTimeLayout = "20060102_150405"

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SanitizeName makes a tenant identifier safe for use in paths
func SanitizeName(name string) string {
	clean := unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if clean == "" {
		return "_"
	}
	return clean
}

// SnapshotFileName builds backup_<tenant>_YYYYMMDD_HHMMSS_mmm.json[ext]
func SnapshotFileName(tenantName string, at time.Time, codec Codec) string {
	at = at.UTC()
	return fmt.Sprintf("backup_%s_%s_%03d.json%s",
		SanitizeName(tenantName), at.Format(snapshotTimeLayout), at.Nanosecond()/int(time.Millisecond), codec.Extension())
}

// TenantDir is the directory holding one tenant's snapshots. IDs changed by
// SanitizeName get a hash suffix so that "a.b" and "a_b" never share a
// directory. An unchanged ID cannot contain '-', so suffixed names never
// clash with plain ones.
func TenantDir(root, tenantID string) string {
	name := SanitizeName(tenantID)
	if name != tenantID {
		sum := sha256.Sum256([]byte(tenantID))
		name += "-" + hex.EncodeToString(sum[:8])
	}
	return filepath.Join(root, name)
}

// Checksum returns the hex sha256 of data
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it into place. Readers see either nothing or the whole file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set permissions on temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// writeChecksumSidecar writes "<sum>  <file>\n", the sha256sum format
func writeChecksumSidecar(snapshotPath, sum string, perm os.FileMode) error {
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(snapshotPath))
	return writeFileAtomic(snapshotPath+ChecksumExtension, []byte(line), perm)
}

// readChecksumSidecar returns the checksum recorded next to a snapshot, or
// an os.ErrNotExist error when there is no sidecar
func readChecksumSidecar(snapshotPath string) (string, error) {
	data, err := os.ReadFile(snapshotPath + ChecksumExtension)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("checksum sidecar for %s is empty", snapshotPath)
	}
	return fields[0], nil
}
