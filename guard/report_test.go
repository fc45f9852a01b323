package guard

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReport(t *testing.T) {
	t.Parallel()

	files := []FileResult{
		{Path: "/src/z.go", Package: "example.com/src", Types: []string{"A"}, Skipped: map[string]int{"setter": 1}},
		{Path: "/src/a.go", Package: "example.com/src", Types: []string{"A", "B"}, Instrumented: []string{"A.Run", "B.Run"}, Skipped: map[string]int{"setter": 2, "ignored": 1}},
	}
	report := NewReport(time.Now(), testCallPath, true, files)

	assert.Equal(t, testCallPath.String(), report.CheckCall)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.FileCount)
	assert.Equal(t, 1, report.ChangedFiles)
	assert.Equal(t, 2, report.ClassCount)
	assert.Equal(t, []string{"A.Run", "B.Run"}, report.Instrumented)
	assert.Equal(t, map[string]int{"setter": 3, "ignored": 1}, report.Skipped)
	assert.Equal(t, "/src/a.go", report.Files[0].Path)

	t.Run("same_name_other_package", func(t *testing.T) {
		report := NewReport(time.Now(), testCallPath, false, []FileResult{
			{Path: "/src/a.go", Package: "example.com/src", Types: []string{"A"}},
			{Path: "/src/api/a.go", Package: "example.com/src/api", Types: []string{"A"}},
		})
		assert.Equal(t, 2, report.ClassCount)
	})

	t.Run("empty", func(t *testing.T) {
		report := NewReport(time.Now(), testCallPath, false, nil)
		assert.Zero(t, report.FileCount)
		assert.NotNil(t, report.Instrumented)
	})
}

func TestReportWriteToFile(t *testing.T) {
	t.Parallel()

	report := NewReport(time.Now(), testCallPath, false, []FileResult{
		{Path: "/src/a.go", Package: "example.com/src", Types: []string{"A"}, Instrumented: []string{"A.Run"}},
	})

	t.Run("no_path", func(t *testing.T) {
		assert.NoError(t, report.WriteToFile(""))
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.json")
		require.NoError(t, report.WriteToFile(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, testCallPath.String(), decoded["check_call"])
		assert.Equal(t, []any{"A.Run"}, decoded["instrumented"])
		assert.Len(t, decoded["files"], 1)
	})
}
