package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load loads configuration from a YAML file, then overrides with
// environment variables.
//
// The configPath parameter specifies the YAML file to load. If empty,
// the default path ~/.config/planrun/config.yaml is used. A missing
// file is not an error; defaults and environment variables apply.
//
// # Security Considerations
//
// File Permissions: the config file MUST have 0600 or 0400 permissions.
// Files with weaker permissions (e.g. 0644 world-readable) are rejected
// since they may carry API keys.
//
// Path Validation: only configuration files in allowed directories can
// be loaded:
//   - ~/.config/planrun/ (user's config directory)
//   - /etc/planrun/ (system-wide config directory)
//
// Absolute paths outside these directories are rejected to prevent path
// traversal attacks.
//
// File Size Limit: configuration files larger than 1MB are rejected to
// prevent resource exhaustion attacks.
//
// # Environment Variable Mapping
//
// Environment variables use underscore separator and are uppercased.
// The transformer maps them to YAML field names by splitting on the
// first underscore:
//
//	ENGINE_MAX_RETRIES  -> engine.max_retries
//	GENERATOR_API_KEY   -> generator.api_key
//	SERVER_PORT         -> server.port
//	REPORTING_NATS_URL  -> reporting.nats.url
//
// # Example
//
//	cfg, err := config.Load("")  // Use default path
//	if err != nil {
//	    log.Fatal(err)
//	}
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Use default config path if not specified
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "planrun", "config.yaml")
	}

	// Validate config path (even if file doesn't exist)
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	// Load from YAML file if it exists
	if _, err := os.Stat(configPath); err == nil {
		// Open file once and validate using file descriptor to avoid TOCTOU race
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		// Validate file properties using already-opened file descriptor
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		// Read content from already-opened file
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Use rawbytes provider to avoid re-opening the file
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables
	if err := k.Load(env.Provider("", ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// transformEnvKey maps environment variable names to config keys.
//
// The split happens on the first underscore only, so the section comes
// first and the remaining underscores stay inside the field name:
//
//	ENGINE_MAX_RETRIES -> engine.max_retries
//	SERVER_SHUTDOWN_TIMEOUT -> server.shutdown_timeout
//
// The reporting section nests a nats subsection, which the simple split
// cannot reach, so REPORTING_NATS_* gets its own rule:
//
//	REPORTING_NATS_URL -> reporting.nats.url
//	REPORTING_NATS_SUBJECT_PREFIX -> reporting.nats.subject_prefix
func transformEnvKey(s string) string {
	lower := strings.ToLower(s)

	if rest, ok := strings.CutPrefix(lower, "reporting_nats_"); ok {
		return "reporting.nats." + rest
	}

	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		// No underscore: simple field (unlikely for config)
		return lower
	}
	return parts[0] + "." + parts[1]
}

// EnsureConfigDir creates the planrun config directory if it doesn't exist.
// This is called during startup so new users have the config directory ready.
// The directory is created with 0700 permissions (owner read/write/execute only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "planrun")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	// Resolve to absolute path and follow symlinks to prevent path traversal
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks to prevent attackers from using symlinks to escape allowed directories
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// If symlink evaluation fails, continue with absPath
		// This allows validation of paths that dont exist yet
		resolvedPath = absPath
	}

	// Check if path is in allowed directories
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "planrun"),
		"/etc/planrun",
	}

	allowed := false
	for _, dir := range allowedDirs {
		// Separator-suffixed prefix so /etc/planrun-evil does not match /etc/planrun
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(os.PathSeparator)) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/planrun/ or /etc/planrun/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// This validation only runs if the file exists.
// Takes FileInfo from an already-opened file descriptor to avoid TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	// Check file permissions (must be 0600 or 0400)
	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	// Check file size (max 1MB)
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
