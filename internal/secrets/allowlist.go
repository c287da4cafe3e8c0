package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidTOML indicates an allowlist file that failed to parse.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")

	// ErrInvalidRegex indicates an allowlist pattern that failed to compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Allowlist holds content patterns excluded from secret detection, typically
// documented example keys and test fixtures.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlists merges the project allowlist (<projectDir>/.gitleaks.toml)
// and the user allowlist file. Missing files are skipped; unparseable files
// and invalid patterns are errors.
func LoadAllowlists(projectDir, userPath string) (*Allowlist, error) {
	merged := &Allowlist{Regexes: []string{}}

	if projectDir != "" {
		project, err := loadTOML(filepath.Join(projectDir, ".gitleaks.toml"))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			merged.Regexes = append(merged.Regexes, project.Regexes...)
		}
	}

	if userPath != "" {
		user, err := loadTOML(userPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			merged.Regexes = append(merged.Regexes, user.Regexes...)
		}
	}

	return merged, nil
}

// loadTOML parses one allowlist file and validates its patterns.
func loadTOML(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{Regexes: doc.Allowlist.Regexes}, nil
}

// applyAllowlist merges patterns into the Gitleaks detector config.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	if allowlist == nil || len(allowlist.Regexes) == 0 {
		return
	}

	global := &gitleaksConfig.Allowlist{
		Description: "planrun allowlist",
	}
	for _, pattern := range allowlist.Regexes {
		// Patterns were validated in loadTOML; a failure here is a bug.
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("pre-validated allowlist pattern failed to compile: " + pattern)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}

	cfg.Allowlists = append(cfg.Allowlists, global)
}
