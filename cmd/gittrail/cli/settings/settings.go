// Package settings loads gittrail configuration from the repository.
//
// Settings live in .gittrail/settings.json at the repository root, with
// optional overrides in .gittrail/settings.local.json. The local file must be
// git-ignored: an untracked settings file makes the working tree unclean and
// blocks every session.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entireio/gittrail/cmd/gittrail/cli/jsonutil"
	"github.com/entireio/gittrail/cmd/gittrail/cli/paths"
)

// LogLevelEnvVar overrides the configured process log level.
const LogLevelEnvVar = "GITTRAIL_LOG_LEVEL"

// Settings represents .gittrail/settings.json.
type Settings struct {
	// Store is the name of the ledger directory inside the data directory.
	// Defaults to "gittrail".
	Store string `json:"store,omitempty"`

	// LogLevel sets the process logging verbosity (debug, info, warn, error).
	// GITTRAIL_LOG_LEVEL takes precedence. Defaults to "info".
	LogLevel string `json:"log_level,omitempty"`

	// SessionLogLevel, when set, raises or lowers the process-wide minimum
	// severity while a session is open. The previous level is restored on close.
	SessionLogLevel string `json:"session_log_level,omitempty"`

	// Ignore lists glob patterns (relative to the data directory) of files that
	// are never fingerprinted.
	Ignore []string `json:"ignore,omitempty"`
}

// Default returns settings with defaults applied.
func Default() *Settings {
	return &Settings{Store: paths.DefaultStore}
}

// FilePath returns the committed settings file for repoDir.
func FilePath(repoDir string) string {
	return filepath.Join(repoDir, paths.SettingsDir, paths.SettingsFileName)
}

// LocalFilePath returns the local override file for repoDir.
func LocalFilePath(repoDir string) string {
	return filepath.Join(repoDir, paths.SettingsDir, paths.SettingsLocalFileName)
}

// Load reads the settings of repoDir and applies local overrides.
// Returns default settings if neither file exists.
func Load(repoDir string) (*Settings, error) {
	s, err := LoadFromFile(FilePath(repoDir))
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	localData, err := os.ReadFile(LocalFilePath(repoDir)) //nolint:gosec // path is built from the repo dir and constants
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading local settings file: %w", err)
		}
	} else if err := mergeJSON(s, localData); err != nil {
		return nil, fmt.Errorf("merging local settings: %w", err)
	}

	return s, nil
}

// LoadFromFile loads settings from a single file without merging overrides.
// Returns default settings if the file doesn't exist.
func LoadFromFile(filePath string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(filePath) //nolint:gosec // path is from caller
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	if s.Store == "" {
		s.Store = paths.DefaultStore
	}
	return s, nil
}

// mergeJSON applies the fields present in data on top of s.
// Present-but-empty strings do not override; ignore patterns are appended.
func mergeJSON(s *Settings, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var override Settings
	if err := dec.Decode(&override); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}

	if override.Store != "" {
		s.Store = override.Store
	}
	if override.LogLevel != "" {
		s.LogLevel = override.LogLevel
	}
	if override.SessionLogLevel != "" {
		s.SessionLogLevel = override.SessionLogLevel
	}
	s.Ignore = append(s.Ignore, override.Ignore...)
	return nil
}

// EffectiveLogLevel returns the process log level: environment first, then settings.
func (s *Settings) EffectiveLogLevel() string {
	if v := os.Getenv(LogLevelEnvVar); v != "" {
		return v
	}
	return s.LogLevel
}

// Save writes s to the committed settings file of repoDir.
func Save(repoDir string, s *Settings) error {
	path := FilePath(repoDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	data, err := jsonutil.MarshalIndentWithNewline(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	//nolint:gosec // G306: settings file is config, not secrets; 0o644 is appropriate
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}
