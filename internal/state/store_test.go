package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	danzohttp "github.com/tanq16/danzoq/internal/downloaders/http"
)

func testSnapshot(id, dest string, status danzohttp.Status) danzohttp.Snapshot {
	total := int64(100)
	return danzohttp.Snapshot{
		ID:              id,
		URL:             "http://example.com/" + id,
		Destination:     dest,
		CreatedAt:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		TotalBytes:      &total,
		ConnectionLimit: 4,
		StatusCode:      200,
		Status:          status,
		Queued:          true,
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "nested", "state.yaml"))
	snapshots := []danzohttp.Snapshot{
		testSnapshot("one", filepath.Join(dir, "one.bin"), danzohttp.StatusPaused),
		testSnapshot("two", filepath.Join(dir, "two.bin"), danzohttp.StatusErrored),
	}

	require.NoError(t, store.Save(snapshots))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "status: paused")
	assert.Contains(t, string(data), "status: errored")
	assert.NoFileExists(t, store.Path()+".tmp")

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, snapshots[0].ID, loaded[0].ID)
	assert.Equal(t, danzohttp.StatusPaused, loaded[0].Status)
	assert.Equal(t, danzohttp.StatusErrored, loaded[1].Status)
	require.NotNil(t, loaded[1].TotalBytes)
	assert.Equal(t, int64(100), *loaded[1].TotalBytes)
	assert.True(t, snapshots[0].CreatedAt.Equal(loaded[0].CreatedAt))
}

func TestLoadMissingOrEmpty(t *testing.T) {
	dir := t.TempDir()
	loaded, err := NewStore(filepath.Join(dir, "missing.yaml")).Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	loaded, err = NewStore(empty).Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := map[string]string{
		"corrupt":       "units: [\n  - id: one\n",
		"newer version": "version: 99\nunits: []\n",
		"bad status":    "version: 1\nunits:\n  - id: one\n    status: exploded\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))
			_, err := NewStore(path).Load()
			assert.Error(t, err)
		})
	}
}

func TestSaveUnitsAndRestore(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "state.yaml"))
	dest := filepath.Join(dir, "file.bin")
	u := danzohttp.New("http://example.com/file.bin", dest, danzohttp.DefaultConfig())
	u.SetQueued(true)

	require.NoError(t, store.SaveUnits([]*danzohttp.Unit{u}))

	units, err := store.RestoreUnits(danzohttp.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, u.ID(), units[0].ID())
	assert.Equal(t, dest, units[0].Destination())
	assert.Equal(t, danzohttp.StatusReady, units[0].Status())
	assert.True(t, units[0].IsQueued())
}

func TestRestoreUnitsSkipsBrokenEntries(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "state.yaml"))
	good := testSnapshot("good", filepath.Join(dir, "good.bin"), danzohttp.StatusReady)
	broken := testSnapshot("", filepath.Join(dir, "broken.bin"), danzohttp.StatusReady)
	require.NoError(t, store.Save([]danzohttp.Snapshot{broken, good}))

	units, err := store.RestoreUnits(danzohttp.DefaultConfig())
	assert.Error(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "good", units[0].ID())
}
