package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCheckCall is the check routine invoked when none is configured.
const DefaultCheckCall = "github.com/onevizion/web/filter.TrialLimitationCheck.CheckTrial"

// DefaultStoreDir is the backup store location, relative to the project directory.
const DefaultStoreDir = ".entryguard"

// Config holds settings for an Engine run.
type Config struct {
	ProjectDir string
	// Patterns are go package patterns relative to ProjectDir, defaults to ./...
	Patterns  []string
	CheckCall string
	// IgnoredMethods is the method name ignore-list.
	IgnoredMethods                  []string
	ClassPrefix, SetterPrefix       string
	AllowConstructors, AllowSetters bool
	StoreDir                        string
	CacheMB                         int
	// DebugStorage enables backup store logging and cache metrics.
	DebugStorage   bool
	ReportJsonFile string
	// DryRun prints the planned changes without writing sources.
	DryRun bool
	// Computed fields
	AbsProjDir, AbsStoreDir string
	CallPath                CallPath
	prepared                bool
}

// DefaultConfig returns a Config carrying the standard policy values.
func DefaultConfig() *Config {
	policy := DefaultPolicy()
	return &Config{
		Patterns:       []string{"./..."},
		CheckCall:      DefaultCheckCall,
		IgnoredMethods: policy.IgnoredMethods,
		ClassPrefix:    policy.ExcludedClassPrefix,
		SetterPrefix:   policy.SetterPrefix,
		StoreDir:       DefaultStoreDir,
		CacheMB:        64,
	}
}

// Policy returns the eligibility policy described by the config.
func (c *Config) Policy() Policy {
	return Policy{
		IgnoredMethods:      c.IgnoredMethods,
		ExcludedClassPrefix: c.ClassPrefix,
		SetterPrefix:        c.SetterPrefix,
		ConstructorName:     DefaultConstructorName,
		ExcludeConstructors: !c.AllowConstructors,
		ExcludeSetters:      !c.AllowSetters,
	}
}

// Prepare validates the configuration and resolves computed fields.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	} else if c.ProjectDir == "" {
		return errors.New("project directory is required")
	}

	absProjDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("error resolving project directory: %w", err)
	} else if info, err := os.Stat(absProjDir); err != nil {
		return fmt.Errorf("project directory not accessible: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("project path is not a directory: %s", absProjDir)
	}
	c.AbsProjDir = absProjDir

	if len(c.Patterns) == 0 {
		c.Patterns = []string{"./..."}
	}
	for _, p := range c.Patterns {
		if strings.TrimSpace(p) == "" {
			return errors.New("empty package pattern")
		}
	}

	if c.CallPath, err = ParseCallPath(c.CheckCall); err != nil {
		return err
	}
	for _, name := range c.IgnoredMethods {
		if strings.TrimSpace(name) == "" {
			return errors.New("empty method name in ignore list")
		}
	}

	if c.CacheMB < 1 || c.CacheMB > 10240 {
		return fmt.Errorf("cache size must be between 1 and 10240 MB, got %d", c.CacheMB)
	}
	if c.StoreDir == "" {
		c.StoreDir = DefaultStoreDir
	}
	if filepath.IsAbs(c.StoreDir) {
		c.AbsStoreDir = filepath.Clean(c.StoreDir)
	} else {
		c.AbsStoreDir = filepath.Join(c.AbsProjDir, c.StoreDir)
	}
	if c.ReportJsonFile != "" {
		if err := validateOutputPath(c.ReportJsonFile); err != nil {
			return fmt.Errorf("invalid JSON report file path: %w", err)
		}
	}

	c.prepared = true
	return nil
}

// validateOutputPath validates that an output file path can be written to
func validateOutputPath(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	return os.Remove(testFile)
}
