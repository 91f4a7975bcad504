package lgkv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileLocking(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test_db")

	l1, err := lockDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l1.Unlock())

	opts := testOptions(t)
	opts.Path = dir
	db1 := openDB(t, opts)

	// a second handle on the same directory is refused
	_, err = Open(opts)
	require.ErrorIs(t, err, ErrDBAlreadyOpen)

	require.NoError(t, db1.Close())

	// released on close
	db2 := openDB(t, opts)
	require.NoError(t, db2.Close())
}
