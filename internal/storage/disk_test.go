package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUsageBytes(t *testing.T) {
	dir := t.TempDir()

	f1 := filepath.Join(dir, "chat.db")
	require.NoError(t, os.WriteFile(f1, []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(f1+"-wal", []byte("wal"), 0644))
	got, err := DiskUsageBytes(f1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got)

	sub := filepath.Join(dir, "bleve")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a"), []byte("ab"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b"), []byte("c"), 0644))
	got, err = DiskUsageBytes(sub)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	got, err = DiskUsageBytes(f1, sub, filepath.Join(dir, "missing"), "", ":memory:")
	require.NoError(t, err)
	assert.Equal(t, int64(11), got)
}
