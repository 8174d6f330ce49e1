// Package paths names the files gittrail keeps on disk and normalizes the
// relative paths that appear in ledger records.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultStore is the name of the ledger directory inside the data directory.
	DefaultStore = "gittrail"

	// RecordExt is the extension of session metadata files.
	RecordExt = ".json"
	// LogExt is the extension of session log files.
	LogExt = ".log"
	// LockFileName is the guard's lock file inside the ledger directory.
	LockFileName = "gittrail.lock"

	// SettingsDir is the settings directory at the repository root.
	SettingsDir = ".gittrail"
	// SettingsFileName is the committed settings file inside SettingsDir.
	SettingsFileName = "settings.json"
	// SettingsLocalFileName is the uncommitted override file inside SettingsDir.
	SettingsLocalFileName = "settings.local.json"
)

// SessionBaseName returns the zero-padded base name of a session's files.
func SessionBaseName(session int) string {
	return fmt.Sprintf("%04d", session)
}

// RecordFileName returns "NNNN.json".
func RecordFileName(session int) string {
	return SessionBaseName(session) + RecordExt
}

// LogFileName returns "NNNN.log".
func LogFileName(session int) string {
	return SessionBaseName(session) + LogExt
}

// ParseRecordFileName extracts the session number from "NNNN.json".
// Names that are not a plain decimal number with the record extension are rejected.
func ParseRecordFileName(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, RecordExt)
	if !ok || base == "" {
		return 0, false
	}
	for _, r := range base {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ToSlashRel returns path relative to root with forward slashes.
// It returns an error for paths outside root.
func ToSlashRel(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("relative path of %s: %w", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, root)
	}
	return filepath.ToSlash(rel), nil
}

// Abs resolves path to an absolute, symlink-free path when possible.
// Symlinks are resolved so that relative paths computed against temp
// directories (macOS /var -> /private/var) stay stable.
func Abs(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path of %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
