package storage

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalStorageStoreExistsDelete(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	locator, err := store.Store("cmp-1/a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, "cmp-1/a.txt", locator)

	ok, err := store.Exists(locator)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := store.Open(locator)
	require.NoError(t, err)
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Equal(t, "hello", string(body))

	require.NoError(t, store.Delete(locator))
	ok, err = store.Exists(locator)
	require.NoError(t, err)
	require.False(t, ok)

	// deleting a missing file is not an error
	require.NoError(t, store.Delete(locator))
}

func TestLocalStorageRejectsEscapingLocator(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Store("../outside.txt", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrInvalidLocator)
	_, err = store.Exists("/etc/passwd")
	require.ErrorIs(t, err, ErrInvalidLocator)
}

func TestLocalStorageWalk(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Store("cmp-1/a.txt", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = store.Store("cmp-2/b.txt", strings.NewReader("bb"))
	require.NoError(t, err)

	files, err := store.Walk(time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, files, 2)

	files, err = store.Walk(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, files)
}
