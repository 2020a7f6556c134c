// Package config provides configuration management for the transcription
// job engine, following the same TOML-plus-validation approach the rest of
// the book-expert service family uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/book-expert/configurator"
)

const (
	dirPermissions = 0o750
)

// Static errors.
var (
	ErrScratchDirEmpty     = errors.New("scratch_dir cannot be empty")
	ErrFieldCannotBeEmpty  = errors.New("field cannot be empty")
	ErrLogDirEmpty         = errors.New("log_dir cannot be empty")
	ErrInvalidLevel        = errors.New("level must be one of the valid options")
	ErrMaxFileSizePositive = errors.New("max_file_size_mb must be positive")
	ErrMaxFilesPositive    = errors.New("max_files must be positive")
	ErrTimeoutPositive     = errors.New("timeout_seconds must be positive")
	ErrWhisperModelEmpty   = errors.New("default_model cannot be empty")
	ErrWhisperServiceEmpty = errors.New("whisper_base_url cannot be empty")
	ErrInvalidDefaultMode  = errors.New("default_mode must be one of the valid options")
)

func newFieldCannotBeEmptyError(fieldName string) error {
	return fmt.Errorf("%w: %s", ErrFieldCannotBeEmpty, fieldName)
}

func newInvalidLevelError(validLevels []string) error {
	return fmt.Errorf("%w: %s", ErrInvalidLevel, strings.Join(validLevels, ", "))
}

func newInvalidDefaultModeError(validModes []string) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefaultMode, strings.Join(validModes, ", "))
}

// Error wrapping formats.
const (
	errFailedToLoadProjectConfig = "failed to load project config: %w"
	errFailedToCreateDir         = "failed to create directory %s: %w"
	errInvalidConfiguration      = "invalid configuration: %w"
	errNATSConfig                = "nats config: %w"
	errEngineConfig              = "engine config: %w"
	errLoggingConfig             = "logging config: %w"
	errPathsConfig               = "paths config: %w"
)

// Config is the complete transcription engine configuration.
type Config struct {
	NATS    NATSConfig    `toml:"nats"`
	Engine  EngineConfig  `toml:"engine"`
	Logging LoggingConfig `toml:"logging"`
	Paths   PathsConfig   `toml:"paths"`
}

// NATSConfig configures the NATS worker front end and the object store.
type NATSConfig struct {
	URL                           string `toml:"url"`
	SubmitSubject                 string `toml:"submit_subject"`
	TranscriptionCompletedSubject string `toml:"transcription_completed_subject"`
	TranscriptionFailedSubject    string `toml:"transcription_failed_subject"`
	AudioObjectStoreBucket        string `toml:"audio_object_store_bucket"`
	TranscriptObjectStoreBucket   string `toml:"transcript_object_store_bucket"`
}

// EngineConfig configures the transcription engine itself.
type EngineConfig struct {
	ScratchDir          string `toml:"scratch_dir"`
	DefaultMode         string `toml:"default_mode"`
	DefaultModel        string `toml:"default_model"`
	WhisperBaseURL      string `toml:"whisper_base_url"`
	WhisperAPIKeyEnvVar string `toml:"whisper_api_key_env_var"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	FFprobePath         string `toml:"ffprobe_path"`
	FFmpegPath          string `toml:"ffmpeg_path"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level         string `toml:"level"`
	LogDir        string `toml:"log_dir"`
	MaxFileSizeMB int    `toml:"max_file_size_mb"`
	MaxFiles      int    `toml:"max_files"`
}

// PathsConfig represents directory path configuration.
type PathsConfig struct {
	ScratchDir string `toml:"scratch_dir"`
	LogsDir    string `toml:"logs_dir"`
}

// Load loads the project configuration from project.toml starting from startDir.
func Load(startDir string) (*Config, string, error) {
	var cfg Config

	projectRoot, err := configurator.LoadFromProject(startDir, &cfg)
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToLoadProjectConfig, err)
	}

	cfg.resolvePaths(projectRoot)

	validationErr := cfg.Validate()
	if validationErr != nil {
		return nil, "", fmt.Errorf(errInvalidConfiguration, validationErr)
	}

	return &cfg, projectRoot, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	err := c.NATS.Validate()
	if err != nil {
		return fmt.Errorf(errNATSConfig, err)
	}

	err = c.Engine.Validate()
	if err != nil {
		return fmt.Errorf(errEngineConfig, err)
	}

	err = c.Logging.Validate()
	if err != nil {
		return fmt.Errorf(errLoggingConfig, err)
	}

	err = c.Paths.Validate()
	if err != nil {
		return fmt.Errorf(errPathsConfig, err)
	}

	return nil
}

// Validate validates the NATS configuration.
func (c *NATSConfig) Validate() error {
	fieldsToValidate := []struct {
		Name  string
		Value string
	}{
		{"url", c.URL},
		{"submit_subject", c.SubmitSubject},
		{"audio_object_store_bucket", c.AudioObjectStoreBucket},
		{"transcript_object_store_bucket", c.TranscriptObjectStoreBucket},
	}

	for _, field := range fieldsToValidate {
		if field.Value == "" {
			return newFieldCannotBeEmptyError(field.Name)
		}
	}

	return nil
}

// Validate validates the engine configuration.
func (c *EngineConfig) Validate() error {
	if c.ScratchDir == "" {
		return ErrScratchDirEmpty
	}

	if c.DefaultModel == "" {
		return ErrWhisperModelEmpty
	}

	if c.WhisperBaseURL == "" {
		return ErrWhisperServiceEmpty
	}

	if c.TimeoutSeconds <= 0 {
		return ErrTimeoutPositive
	}

	validModes := []string{"balanced", "best_quality"}
	if !slices.Contains(validModes, c.DefaultMode) {
		return newInvalidDefaultModeError(validModes)
	}

	return nil
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	if c.LogDir == "" {
		return ErrLogDirEmpty
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.Level) {
		return newInvalidLevelError(validLevels)
	}

	if c.MaxFileSizeMB <= 0 {
		return ErrMaxFileSizePositive
	}

	if c.MaxFiles <= 0 {
		return ErrMaxFilesPositive
	}

	return nil
}

// Validate validates the paths configuration.
func (c *PathsConfig) Validate() error {
	if c.ScratchDir == "" {
		return newFieldCannotBeEmptyError("scratch_dir")
	}

	if c.LogsDir == "" {
		return newFieldCannotBeEmptyError("logs_dir")
	}

	return nil
}

// EnsureDirectories creates all configured directories if they don't exist.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.ScratchDir,
		c.Paths.LogsDir,
		c.Engine.ScratchDir,
		c.Logging.LogDir,
	}

	for _, dir := range dirs {
		err := os.MkdirAll(dir, dirPermissions)
		if err != nil {
			return fmt.Errorf(errFailedToCreateDir, dir, err)
		}
	}

	return nil
}

func (c *Config) resolvePaths(projectRoot string) {
	if !filepath.IsAbs(c.Paths.ScratchDir) {
		c.Paths.ScratchDir = filepath.Join(projectRoot, c.Paths.ScratchDir)
	}

	if !filepath.IsAbs(c.Paths.LogsDir) {
		c.Paths.LogsDir = filepath.Join(projectRoot, c.Paths.LogsDir)
	}

	if c.Engine.ScratchDir == "" {
		c.Engine.ScratchDir = c.Paths.ScratchDir
	} else if !filepath.IsAbs(c.Engine.ScratchDir) {
		c.Engine.ScratchDir = filepath.Join(projectRoot, c.Engine.ScratchDir)
	}

	if !filepath.IsAbs(c.Logging.LogDir) {
		c.Logging.LogDir = filepath.Join(projectRoot, c.Logging.LogDir)
	}
}
