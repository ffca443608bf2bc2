package quarantine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packstream/courier/pkg/audit"
)

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestQuarantineAndGet(t *testing.T) {
	sink := audit.NewMemorySink()
	m := New(t.TempDir(), sink)

	artifact := writeArtifact(t, "dashboard.zip", "corrupt bytes")
	entry, err := m.Quarantine("dashboard", artifact, "Checksum mismatch")
	require.NoError(t, err)
	assert.Equal(t, "Checksum mismatch", entry.Reason)
	assert.NoFileExists(t, artifact)
	assert.FileExists(t, entry.StoredPath)
	assert.Equal(t, ".zip", filepath.Ext(entry.StoredPath))
	assert.Contains(t, sink.Kinds(), audit.ModuleQuarantined)

	got, err := m.Get("dashboard")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
}

func TestQuarantineReplacesExistingHold(t *testing.T) {
	m := New(t.TempDir(), nil)

	first, err := m.Quarantine("dashboard", writeArtifact(t, "a.zip", "v1"), "Checksum mismatch")
	require.NoError(t, err)
	second, err := m.Quarantine("dashboard", writeArtifact(t, "b.zip", "v2"), "Extraction failed")
	require.NoError(t, err)

	assert.NoFileExists(t, first.StoredPath)
	assert.FileExists(t, second.StoredPath)

	entries, err := m.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Extraction failed", entries[0].Reason)
}

func TestConcurrentQuarantineKeepsEveryEntry(t *testing.T) {
	m := New(t.TempDir(), nil)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		artifact := writeArtifact(t, fmt.Sprintf("m%d.zip", i), "held")
		wg.Add(1)
		go func(n int, path string) {
			defer wg.Done()
			_, errs[n] = m.Quarantine(fmt.Sprintf("module-%d", n), path, "Checksum mismatch")
		}(i, artifact)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	entries, err := m.List()
	require.NoError(t, err)
	require.Len(t, entries, workers)
	for _, entry := range entries {
		assert.FileExists(t, entry.StoredPath)
	}
}

func TestRelease(t *testing.T) {
	sink := audit.NewMemorySink()
	m := New(t.TempDir(), sink)

	_, err := m.Quarantine("dashboard", writeArtifact(t, "a.zip", "held"), "Checksum mismatch")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "released.zip")
	require.NoError(t, m.Release("dashboard", dest))
	assert.FileExists(t, dest)
	assert.Contains(t, sink.Kinds(), audit.QuarantineReleased)

	_, err = m.Get("dashboard")
	assert.ErrorIs(t, err, ErrNotInQuarantine)
}

func TestReleaseDefaultsToOriginalPath(t *testing.T) {
	m := New(t.TempDir(), nil)

	artifact := writeArtifact(t, "a.zip", "held")
	_, err := m.Quarantine("dashboard", artifact, "Checksum mismatch")
	require.NoError(t, err)
	assert.NoFileExists(t, artifact)

	require.NoError(t, m.Release("dashboard", ""))
	assert.FileExists(t, artifact)
}

func TestDelete(t *testing.T) {
	m := New(t.TempDir(), nil)

	entry, err := m.Quarantine("dashboard", writeArtifact(t, "a.zip", "held"), "Checksum mismatch")
	require.NoError(t, err)

	require.NoError(t, m.Delete("dashboard"))
	assert.NoFileExists(t, entry.StoredPath)
	assert.ErrorIs(t, m.Delete("dashboard"), ErrNotInQuarantine)
}

func TestReleaseUnknownModule(t *testing.T) {
	m := New(t.TempDir(), nil)
	assert.ErrorIs(t, m.Release("ghost", "/tmp/out.zip"), ErrNotInQuarantine)
}

func TestIndexSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	m := New(root, nil)
	_, err := m.Quarantine("dashboard", writeArtifact(t, "a.zip", "held"), "Checksum mismatch")
	require.NoError(t, err)

	reopened := New(root, nil)
	entries, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dashboard", entries[0].Module)
}
