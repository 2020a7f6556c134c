// Package scratch implements the scratch-file naming and lifecycle helpers
// used by the chunker and chunk processor, following the exact naming
// patterns frozen in spec §6.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultDirPermissions = 0o750

// EnsureDir ensures a directory exists at path, creating it if needed.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, mkdirErr)
		}
	}

	return nil
}

// InputPath builds the "input_<unix_ms>_<filename>" scratch path for the
// original uploaded audio (spec §6).
func InputPath(dir string, unixMillis int64, filename string) string {
	return filepath.Join(dir, fmt.Sprintf("input_%d_%s", unixMillis, SanitizeFilename(filename)))
}

// ChunkPath builds the "chunk_<i>_<unix_ms>.<ext>" scratch path for a chunk file.
func ChunkPath(dir string, index int, unixMillis int64, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d_%d%s", index, unixMillis, normalizeExt(ext)))
}

// SubChunkPath builds the "subchunk_<job_id>_<chunk_i>_<sub_i>_<unix_ms>.<ext>" scratch path.
func SubChunkPath(dir, jobID string, chunkIndex, subIndex int, unixMillis int64, ext string) string {
	return filepath.Join(
		dir,
		fmt.Sprintf("subchunk_%s_%d_%d_%d%s", jobID, chunkIndex, subIndex, unixMillis, normalizeExt(ext)),
	)
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ""
	}

	if strings.HasPrefix(ext, ".") {
		return ext
	}

	return "." + ext
}

// SanitizeFilename removes characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", "_",
		">", "_",
		":", "_",
		"\"", "_",
		"/", "_",
		"\\", "_",
		"|", "_",
		"?", "_",
		"*", "_",
		" ", "_",
	)

	return replacer.Replace(filename)
}

// RemoveQuietly deletes path. A file that is already gone is not an error;
// any other removal failure is returned for the caller to log, and callers
// never propagate it further (spec §5).
func RemoveQuietly(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove scratch file %s: %w", path, err)
	}

	return nil
}

// FormatFileSize formats a byte count in a human-readable string.
func FormatFileSize(bytes int64) string {
	const (
		kilobyte = 1024
		megabyte = kilobyte * 1024
		gigabyte = megabyte * 1024
	)

	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf("%.1f MB", float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
