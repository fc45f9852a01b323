package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

// Report summarizes an Engine run.
type Report struct {
	StartTime    time.Time      `json:"start_time"`
	DurationMs   int64          `json:"duration_ms"`
	CheckCall    string         `json:"check_call"`
	DryRun       bool           `json:"dry_run"`
	FileCount    int            `json:"file_count"`
	ChangedFiles int            `json:"changed_files"`
	ClassCount   int            `json:"class_count"`
	Instrumented []string       `json:"instrumented"`
	Skipped      map[string]int `json:"skipped"`
	Files        []FileResult   `json:"files"`
}

// NewReport aggregates file results into a Report.
func NewReport(startTime time.Time, checkCall CallPath, dryRun bool, files []FileResult) *Report {
	r := &Report{
		StartTime:    startTime,
		DurationMs:   time.Since(startTime).Milliseconds(),
		CheckCall:    checkCall.String(),
		DryRun:       dryRun,
		FileCount:    len(files),
		Instrumented: []string{},
		Skipped:      make(map[string]int),
		Files:        files,
	}
	slices.SortFunc(r.Files, func(a, b FileResult) int {
		return strings.Compare(a.Path, b.Path)
	})
	types := make(map[string]bool)
	for _, f := range r.Files {
		for _, name := range f.Types {
			types[f.Package+"."+name] = true // a type may span files of its package
		}
		if len(f.Instrumented) > 0 {
			r.ChangedFiles++
		}
		r.Instrumented = append(r.Instrumented, f.Instrumented...)
		for reason, count := range f.Skipped {
			r.Skipped[reason] += count
		}
	}
	r.ClassCount = len(types)
	return r
}

// WriteToFile writes the report to a JSON file, a no-op for an empty path.
func (r *Report) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0o644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}
