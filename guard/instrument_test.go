package guard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceSrc = `package web

func (c *OrderController) ListOrders() []string {
	return nil
}

func (c *OrderController) setTotal(total int) {
	_ = total
}
`

func writeFile(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func testInstrumenter(storage Storage) *Instrumenter {
	return NewInstrumenter(DefaultPolicy(), testCallPath, storage)
}

func TestInstrumentFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "controller.go", controllerSrc)
	instrumenter := testInstrumenter(NewMemStorage())

	result, err := instrumenter.InstrumentFile(path, "example.com/web", nil)
	require.NoError(t, err)
	assert.Equal(t, path, result.Path)
	assert.Equal(t, "example.com/web", result.Package)
	assert.ElementsMatch(t, []string{"Base", "OrderController", "TrialController"}, result.Types)
	assert.Equal(t, []string{"OrderController.CreateOrder"}, result.Instrumented)
	assert.Equal(t, map[string]int{
		"constructor":  2,
		"setter":       1,
		"ignored":      1,
		"class-prefix": 1,
	}, result.Skipped)
	assert.Equal(t, []string{path}, instrumenter.Pending())

	original, updated, err := instrumenter.Render(path)
	require.NoError(t, err)
	assert.Equal(t, controllerSrc, string(original))
	assert.Contains(t, string(updated), "filter.TrialLimitationCheck.CheckTrial()")

	t.Run("repeat_is_noop", func(t *testing.T) {
		result, err := instrumenter.InstrumentFile(path, "example.com/web", nil)
		require.NoError(t, err)
		assert.Empty(t, result.Instrumented)
		assert.Equal(t, 1, result.Skipped["instrumented"])
	})

	t.Run("not_pending", func(t *testing.T) {
		_, _, err := instrumenter.Render(filepath.Join(dir, "missing.go"))
		assert.Error(t, err)
	})
}

func TestInstrumentPackage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	controller := writeFile(t, dir, "controller.go", controllerSrc)
	service := writeFile(t, dir, "service.go", serviceSrc)
	generated := writeFile(t, dir, "model_gen.go", "package web\n\ntype Model struct{}\n\nfunc (m *Model) Load() {\n\t_ = m\n}\n")
	storage := NewMemStorage()
	instrumenter := testInstrumenter(storage)

	results, err := instrumenter.InstrumentPackage("example.com/web", []string{controller, service, generated})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, service, results[1].Path)
	assert.Equal(t, []string{"OrderController.ListOrders"}, results[1].Instrumented)
	assert.Equal(t, []string{"OrderController"}, results[1].Types)
	assert.Equal(t, []string{controller, service}, instrumenter.Pending())
	assert.Equal(t, 3, NewReport(time.Now(), testCallPath, false, results).ClassCount)

	require.NoError(t, instrumenter.Commit())
	assert.Empty(t, instrumenter.Pending())

	updated, err := os.ReadFile(service)
	require.NoError(t, err)
	assert.Contains(t, string(updated), "import \"example.com/web/filter\"")
	assert.Contains(t, string(updated), "// "+InstrumentedMarker+"\nfunc (c *OrderController) ListOrders() []string {\n\tfilter.TrialLimitationCheck.CheckTrial()\n")
	info, err := os.Stat(service)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	genSrc, err := os.ReadFile(generated)
	require.NoError(t, err)
	assert.NotContains(t, string(genSrc), "CheckTrial")

	keys, err := storage.ListKeys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{controller, service}, keys)

	blob, ok, err := storage.LoadState(service)
	require.NoError(t, err)
	require.True(t, ok)
	backup, err := UnmarshalBackup(blob)
	require.NoError(t, err)
	assert.Equal(t, []string{"OrderController.ListOrders"}, backup.Methods)

	t.Run("second_run_unchanged", func(t *testing.T) {
		rerun := testInstrumenter(storage)
		results, err := rerun.InstrumentPackage("example.com/web", []string{controller, service})
		require.NoError(t, err)
		for _, r := range results {
			assert.Empty(t, r.Instrumented, r.Path)
		}
		assert.Empty(t, rerun.Pending())
	})

	t.Run("restore", func(t *testing.T) {
		restored, err := testInstrumenter(storage).Restore()
		require.NoError(t, err)
		assert.Equal(t, []string{controller, service}, restored)

		src, err := os.ReadFile(service)
		require.NoError(t, err)
		assert.Equal(t, serviceSrc, string(src))
		src, err = os.ReadFile(controller)
		require.NoError(t, err)
		assert.Equal(t, controllerSrc, string(src))

		keys, err := storage.ListKeys()
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestCommitKeepsFirstBackup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "service.go", serviceSrc)
	storage := NewMemStorage()

	policy := DefaultPolicy()
	first := NewInstrumenter(policy, testCallPath, storage)
	_, err := first.InstrumentFile(path, "example.com/web", IndexTypes())
	require.NoError(t, err)
	// OrderController is unknown without the controller file, nothing is instrumented
	assert.Empty(t, first.Pending())

	policy.ExcludeSetters = false
	index := TypeIndex{"OrderController": {Kind: KindClass}}
	second := NewInstrumenter(policy, testCallPath, storage)
	result, err := second.InstrumentFile(path, "example.com/web", index)
	require.NoError(t, err)
	assert.Equal(t, []string{"OrderController.ListOrders", "OrderController.setTotal"}, result.Instrumented)
	require.NoError(t, second.Commit())

	policy.ExcludeSetters = true
	third := NewInstrumenter(policy, CallPath{ImportPath: "example.com/other", Selector: "Check"}, storage)
	src := "package web\n\nfunc (c *OrderController) Extra() {\n\t_ = c\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	_, err = third.InstrumentFile(path, "example.com/web", index)
	require.NoError(t, err)
	require.NoError(t, third.Commit())

	restored, err := testInstrumenter(storage).Restore()
	require.NoError(t, err)
	assert.Equal(t, []string{path}, restored)
	restoredSrc, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, serviceSrc, string(restoredSrc))
}

func TestRestoreCorruptBackup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "service.go", "package web\n")
	storage := NewMemStorage()
	backup := NewFileBackup(path, []byte(serviceSrc), nil)
	backup.Digest = sourceDigest([]byte("changed"))
	blob, err := MarshalBackup(backup)
	require.NoError(t, err)
	require.NoError(t, storage.SaveState(path, blob))

	restored, err := testInstrumenter(storage).Restore()
	require.ErrorIs(t, err, ErrBackupDigest)
	assert.Empty(t, restored)

	_, ok, err := storage.LoadState(path)
	require.NoError(t, err)
	assert.True(t, ok)
	src, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package web\n", string(src))
}
