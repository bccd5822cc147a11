package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "bundles"))
	require.NoError(t, err)
	return map[string]Store{"memory": NewMemoryStore(), "file": fs}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.ReadBlob(3)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.ReadState(3)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.WriteBlob(3, []byte("content")))
			blob, err := s.ReadBlob(3)
			require.NoError(t, err)
			assert.Equal(t, []byte("content"), blob)

			modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			require.NoError(t, s.WriteState(3, State{
				Location:            "file:/bundles/a.yaml",
				PersistentlyStarted: true,
				StartLevel:          4,
				LastModified:        modified,
			}))
			st, err := s.ReadState(3)
			require.NoError(t, err)
			assert.Equal(t, int64(3), st.ID)
			assert.True(t, st.PersistentlyStarted)
			assert.Equal(t, 4, st.StartLevel)
			assert.True(t, modified.Equal(st.LastModified))

			require.NoError(t, s.WriteBlob(1, []byte("x")))
			ids, err := s.IDs()
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 3}, ids)

			require.NoError(t, s.Delete(3))
			require.NoError(t, s.Delete(42))
			_, err = s.ReadBlob(3)
			require.ErrorIs(t, err, ErrNotFound)
			ids, err = s.IDs()
			require.NoError(t, err)
			assert.Equal(t, []int64{1}, ids)

			assert.ErrorIs(t, s.WriteBlob(-1, nil), ErrInvalidID)
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	require.NoError(t, s.WriteBlob(7, []byte("abc")))
	require.NoError(t, s.WriteState(7, State{StartLevel: 2}))
	require.NoError(t, os.Mkdir(filepath.Join(root, "unrelated"), 0o755))

	assert.FileExists(t, filepath.Join(root, "bundle7", "content.bin"))
	assert.FileExists(t, filepath.Join(root, "bundle7", "state.yaml"))

	ids, err := s.IDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)
}
