package guard

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupProject(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	writeFile(t, dir, "go.mod", "module example.com/web\n\ngo 1.24\n")
	writeFile(t, dir, "controller.go", controllerSrc)
	writeFile(t, dir, "controller_test.go", "package web\n\nimport \"testing\"\n\nfunc TestNothing(t *testing.T) {}\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "api"), 0o755))
	writeFile(t, dir, filepath.Join("api", "service.go"), "package api\n\ntype Service struct{}\n\nfunc (s *Service) Handle() {\n\t_ = s\n}\n")
	return dir
}

func testEngine(t *testing.T, dir string, storage Storage) (*Engine, *bytes.Buffer) {
	t.Helper()
	config := DefaultConfig()
	config.ProjectDir = dir
	config.CheckCall = "example.com/web/filter.TrialLimitationCheck.CheckTrial"
	var out bytes.Buffer
	return &Engine{
		Config:          config,
		StorageProvider: &SingletonStorageProvider{Storage: storage},
		Out:             &out,
	}, &out
}

func TestEngineRun(t *testing.T) {
	t.Parallel()

	dir := setupProject(t)
	storage := NewMemStorage()
	engine, out := testEngine(t, dir, storage)
	engine.Config.ReportJsonFile = filepath.Join(dir, "report.json")

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.DryRun)
	assert.Equal(t, 2, report.FileCount)
	assert.Equal(t, 2, report.ChangedFiles)
	assert.Equal(t, []string{"Service.Handle", "OrderController.CreateOrder"}, report.Instrumented)
	assert.Empty(t, out.String())
	assert.FileExists(t, engine.Config.ReportJsonFile)

	apiSrc, err := os.ReadFile(filepath.Join(dir, "api", "service.go"))
	require.NoError(t, err)
	assert.Contains(t, string(apiSrc), "\"example.com/web/filter\"")
	assert.Contains(t, string(apiSrc), "\tfilter.TrialLimitationCheck.CheckTrial()\n\t_ = s\n")

	testSrc, err := os.ReadFile(filepath.Join(dir, "controller_test.go"))
	require.NoError(t, err)
	assert.NotContains(t, string(testSrc), "CheckTrial")

	keys, err := KeyPrefixStorage(storage, backupKeyPrefix).ListKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	t.Run("restore", func(t *testing.T) {
		restoreEngine, _ := testEngine(t, dir, storage)
		restored, err := restoreEngine.Restore()
		require.NoError(t, err)
		assert.Len(t, restored, 2)

		src, err := os.ReadFile(filepath.Join(dir, "controller.go"))
		require.NoError(t, err)
		assert.Equal(t, controllerSrc, string(src))
	})
}

func TestEngineDryRun(t *testing.T) {
	t.Parallel()

	dir := setupProject(t)
	storage := NewMemStorage()
	engine, out := testEngine(t, dir, storage)
	engine.Config.DryRun = true
	engine.Config.Patterns = []string{"./api"}

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{"Service.Handle"}, report.Instrumented)
	assert.Contains(t, out.String(), "a/api/service.go")
	assert.Contains(t, out.String(), "filter.TrialLimitationCheck.CheckTrial()")

	src, err := os.ReadFile(filepath.Join(dir, "api", "service.go"))
	require.NoError(t, err)
	assert.NotContains(t, string(src), "CheckTrial")

	keys, err := storage.ListKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEngineRestoreWithoutStore(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.ProjectDir = t.TempDir()
	restored, err := NewEngine(config).Restore()
	require.NoError(t, err)
	assert.Empty(t, restored)
	assert.NoDirExists(t, filepath.Join(config.ProjectDir, DefaultStoreDir))
}

func TestFileWithinDir(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		file   string
		dir    string
		within bool
	}{
		{"/project/main.go", "/project", true},
		{"/project/pkg/a.go", "/project", true},
		{"/project/../other/a.go", "/project", false},
		{"/other/a.go", "/project", false},
		{"/project/..hidden/a.go", "/project", true},
	}
	for _, tc := range testCases {
		t.Run(tc.file, func(t *testing.T) {
			within, err := fileWithinDir(tc.file, tc.dir)
			require.NoError(t, err)
			assert.Equal(t, tc.within, within)
		})
	}
}
