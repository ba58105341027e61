package keytab

import (
	"os"
	"testing"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for name, store := range map[string]ports.KeytabStore{"file": fs, "memory": NewMemoryStore()} {
		t.Run(name, func(t *testing.T) {
			const principal = "hdfs/h1.example.com@EXAMPLE.COM"

			_, err := store.Get(principal)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(principal, []byte{0x05, 0x02, 0xAA}))
			data, err := store.Get(principal)
			require.NoError(t, err)
			assert.Equal(t, []byte{0x05, 0x02, 0xAA}, data)

			require.NoError(t, store.Delete(principal))
			require.NoError(t, store.Delete(principal))
			_, err = store.Get(principal)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStore_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put("../../etc/passwd", []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "____etc_passwd.keytab", entries[0].Name())
}
