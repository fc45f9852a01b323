package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/packages"
)

const backupKeyPrefix = "backup"

// StorageProvider creates the store holding original sources between instrument and restore.
type StorageProvider interface {
	NewStorage(config Config) (Storage, error)
}

// DefaultStorageProvider opens a Badger store in the configured store directory.
type DefaultStorageProvider struct{}

func (d *DefaultStorageProvider) NewStorage(config Config) (Storage, error) {
	return NewBadgerStorage(config.AbsStoreDir, config.CacheMB, config.DebugStorage)
}

// SingletonStorageProvider always provides the same Storage instance.
type SingletonStorageProvider struct {
	Storage Storage
}

func (s *SingletonStorageProvider) NewStorage(Config) (Storage, error) {
	return s.Storage, nil
}

// Engine drives instrumentation of a Go project.
type Engine struct {
	Config          *Config
	StorageProvider StorageProvider
	// Out receives dry run diffs.
	Out io.Writer
}

// NewEngine creates an Engine with the default storage provider, writing diffs to stdout.
func NewEngine(config *Config) *Engine {
	return &Engine{
		Config:          config,
		StorageProvider: &DefaultStorageProvider{},
		Out:             os.Stdout,
	}
}

func (e *Engine) prepare() error {
	if e.Config.prepared {
		return nil
	}
	return e.Config.Prepare()
}

func (e *Engine) openStorage() (Storage, error) {
	storage, err := e.StorageProvider.NewStorage(*e.Config)
	if err != nil {
		return nil, fmt.Errorf("error opening storage: %w", err)
	}
	return KeyPrefixStorage(storage, backupKeyPrefix), nil
}

// Run instruments every package matched by the configured patterns.
// In dry run mode the planned edits are printed as a diff and nothing is written.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	startTime := time.Now()
	if err := e.prepare(); err != nil {
		return nil, err
	}

	pkgs, err := loadPackageFiles(ctx, e.Config.AbsProjDir, e.Config.Patterns)
	if err != nil {
		return nil, err
	} else if len(pkgs) == 0 {
		log.Printf("No packages matched %s, exiting", strings.Join(e.Config.Patterns, " "))
		return NewReport(startTime, e.Config.CallPath, e.Config.DryRun, nil), nil
	}

	var storage Storage
	if !e.Config.DryRun {
		if storage, err = e.openStorage(); err != nil {
			return nil, err
		}
		defer storage.Close()
	}
	instrumenter := NewInstrumenter(e.Config.Policy(), e.Config.CallPath, storage)

	errGroup, groupCtx := errgroup.WithContext(ctx)
	errGroup.SetLimit(runtime.NumCPU())
	var resultsLock sync.Mutex
	var results []FileResult
	for _, pkg := range pkgs {
		errGroup.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			pkgResults, err := instrumenter.InstrumentPackage(pkg.pkgPath, pkg.files)
			resultsLock.Lock()
			defer resultsLock.Unlock()
			results = append(results, pkgResults...)
			return err
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, err
	}

	if e.Config.DryRun {
		if err := e.writeDiffs(instrumenter); err != nil {
			return nil, err
		}
	} else if err := instrumenter.Commit(); err != nil {
		return nil, fmt.Errorf("error writing instrumented sources: %w", err)
	}

	report := NewReport(startTime, e.Config.CallPath, e.Config.DryRun, results)
	log.Printf("Instrumented %d methods in %d of %d files", len(report.Instrumented), report.ChangedFiles, report.FileCount)
	if err := report.WriteToFile(e.Config.ReportJsonFile); err != nil {
		return nil, err
	}
	return report, nil
}

func (e *Engine) writeDiffs(instrumenter *Instrumenter) error {
	for _, path := range instrumenter.Pending() {
		original, updated, err := instrumenter.Render(path)
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(e.Config.AbsProjDir, path)
		if err != nil {
			relPath = path
		}
		diff, err := UnifiedDiff(filepath.ToSlash(relPath), original, updated)
		if err != nil {
			return err
		} else if err := WriteColorDiff(e.Out, diff); err != nil {
			return err
		}
	}
	return nil
}

// Restore writes back every source backed up by previous runs, returning the restored paths.
func (e *Engine) Restore() ([]string, error) {
	if err := e.prepare(); err != nil {
		return nil, err
	} else if _, ok := e.StorageProvider.(*DefaultStorageProvider); ok && !FileExists(e.Config.AbsStoreDir) {
		log.Printf("No backups found in %s", e.Config.AbsStoreDir)
		return nil, nil
	}
	storage, err := e.openStorage()
	if err != nil {
		return nil, err
	}
	defer storage.Close()

	restored, err := NewInstrumenter(e.Config.Policy(), e.Config.CallPath, storage).Restore()
	log.Printf("Restored %d files", len(restored))
	return restored, err
}

type packageFiles struct {
	pkgPath string
	files   []string
}

// loadPackageFiles resolves package patterns to the non-test Go files within dir.
func loadPackageFiles(ctx context.Context, dir string, patterns []string) ([]packageFiles, error) {
	pkgs, err := packages.Load(&packages.Config{
		Context: ctx,
		Dir:     dir,
		Mode:    packages.NeedName | packages.NeedFiles,
	}, patterns...)
	if err != nil {
		return nil, fmt.Errorf("package load failure: %w", err)
	} else if packages.PrintErrors(pkgs) > 0 {
		return nil, errors.New("project packages contain errors")
	}

	result := make([]packageFiles, 0, len(pkgs))
	for _, p := range pkgs {
		var files []string
		for _, f := range p.GoFiles {
			if within, err := fileWithinDir(f, dir); err != nil {
				return nil, err
			} else if within {
				files = append(files, f)
			}
		}
		if len(files) > 0 {
			result = append(result, packageFiles{pkgPath: p.PkgPath, files: files})
		}
	}
	return result, nil
}

// fileWithinDir returns true if the provided filePath is within the given directory.
func fileWithinDir(filePath, dirPath string) (bool, error) {
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return false, err
	}
	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(filepath.Clean(absDir), filepath.Clean(absFile))
	if err != nil {
		return false, err
	}
	return rel != ".." && !strings.HasPrefix(filepath.ToSlash(rel), "../"), nil
}
