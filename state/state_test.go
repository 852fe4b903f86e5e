package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker(t *testing.T) {
	tr := NewMemoryTracker()
	assert.False(t, tr.AlreadyProcessed("m1"))

	require.NoError(t, tr.MarkProcessed("m1", "h1"))
	require.NoError(t, tr.MarkProcessed("", "ignored"))

	assert.True(t, tr.AlreadyProcessed("m1"))
	assert.False(t, tr.AlreadyProcessed(""))
	assert.Equal(t, 1, tr.Snapshot().Processed)
}

func TestMemoryTracker_Retain(t *testing.T) {
	tr := NewMemoryTracker()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, tr.MarkProcessed(id, ""))
	}

	dropped := tr.Retain(func(id string) bool { return id == "m2" })
	assert.Equal(t, 2, dropped)
	assert.True(t, tr.AlreadyProcessed("m2"))
	assert.False(t, tr.AlreadyProcessed("m1"))
	assert.Equal(t, 1, tr.Snapshot().Processed)
}

func TestLedgerPath(t *testing.T) {
	assert.Equal(t, "messages.json.processed.jsonl", LedgerPath("messages.json"))
	assert.Equal(t, filepath.Join("a", "b.json")+LedgerSuffix, LedgerPath(filepath.Join("a", "b.json")))
}

func TestFileTracker_PersistsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", LedgerPath("messages.json"))

	first, err := NewFileTracker(path, true)
	require.NoError(t, err)
	require.NoError(t, first.MarkProcessed("m1", Hash([]byte(`{"id":"m1"}`))))
	require.NoError(t, first.MarkProcessed("m1", "again"))
	require.NoError(t, first.MarkProcessed("m2", ""))
	require.NoError(t, first.Close())

	assert.Equal(t, path, first.Path())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data))

	second, err := NewFileTracker(path, true)
	require.NoError(t, err)
	defer second.Close()

	assert.True(t, second.AlreadyProcessed("m1"))
	assert.True(t, second.AlreadyProcessed("m2"))
	assert.False(t, second.AlreadyProcessed("m3"))
	assert.Equal(t, 2, second.Snapshot().Processed)
}

func TestFileTracker_NoPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), LedgerPath("messages.json"))

	tr, err := NewFileTracker(path, false)
	require.NoError(t, err)
	require.NoError(t, tr.MarkProcessed("m1", ""))
	require.NoError(t, tr.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileTracker_CorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), LedgerPath("messages.json"))
	require.NoError(t, os.WriteFile(path, []byte("{\"message_id\":\"m1\"}\nnot json\n"), 0o600))

	_, err := NewFileTracker(path, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestNewFileTracker_EmptyPath(t *testing.T) {
	_, err := NewFileTracker("  ", true)
	require.Error(t, err)
}

func TestHash(t *testing.T) {
	assert.Empty(t, Hash(nil))
	assert.Equal(t, Hash([]byte("a")), Hash([]byte("a")))
	assert.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
