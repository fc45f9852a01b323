package guard

import (
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, storage Storage) {
	t.Helper()

	_, found, err := storage.LoadState("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, storage.SaveState("backup;a.go", []byte("alpha")))
	require.NoError(t, storage.SaveState("backup;b.go", []byte("beta")))
	require.NoError(t, storage.SaveState("other;c.go", []byte("gamma")))

	blob, found, err := storage.LoadState("backup;a.go")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("alpha"), blob)

	keys, err := storage.ListKeysPrefix("backup;")
	require.NoError(t, err)
	slices.Sort(keys)
	assert.Equal(t, []string{"backup;a.go", "backup;b.go"}, keys)

	require.NoError(t, storage.DeleteState("backup;a.go"))
	_, found, err = storage.LoadState("backup;a.go")
	require.NoError(t, err)
	assert.False(t, found)

	keys, err = storage.ListKeys()
	require.NoError(t, err)
	slices.Sort(keys)
	assert.Equal(t, []string{"backup;b.go", "other;c.go"}, keys)

	require.NoError(t, storage.Clear())
	keys, err = storage.ListKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemStorage(t *testing.T) {
	t.Parallel()

	storage := NewMemStorage()
	defer storage.Close()
	testStorage(t, storage)

	t.Run("copies_blob", func(t *testing.T) {
		blob := []byte("alpha")
		require.NoError(t, storage.SaveState("k", blob))
		blob[0] = 'X'
		loaded, _, err := storage.LoadState("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), loaded)
	})
}

func TestBadgerStorage(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "store")
	storage, err := NewBadgerStorage(dir, 16, false)
	require.NoError(t, err)
	testStorage(t, storage)

	t.Run("persists_across_open", func(t *testing.T) {
		require.NoError(t, storage.SaveState("backup;kept.go", []byte("kept")))
		storage.Close()

		reopened, err := NewBadgerStorage(dir, 16, true)
		require.NoError(t, err)
		defer reopened.Close()

		blob, found, err := reopened.LoadState("backup;kept.go")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("kept"), blob)

		debugStore := reopened.(*badgerStorage)
		assert.True(t, debugStore.debug)
		for _, line := range debugStore.cacheMetrics() {
			assert.Regexp(t, `^(block|index): `, line)
		}
	})
}

func TestKeyPrefixStorage(t *testing.T) {
	t.Parallel()

	underlying := NewMemStorage()
	require.NoError(t, underlying.SaveState("unrelated", []byte("u")))
	storage := KeyPrefixStorage(underlying, backupKeyPrefix)

	require.NoError(t, storage.SaveState("/src/a.go", []byte("a")))
	require.NoError(t, storage.SaveState("/src/b.go", []byte("b")))

	keys, err := storage.ListKeys()
	require.NoError(t, err)
	slices.Sort(keys)
	assert.Equal(t, []string{"/src/a.go", "/src/b.go"}, keys)

	_, found, err := underlying.LoadState(backupKeyPrefix + ";/src/a.go")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, storage.Clear())
	keys, err = underlying.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"unrelated"}, keys)

	assert.Same(t, underlying, KeyPrefixStorage(underlying, ""))
}
