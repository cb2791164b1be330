//go:build unix

package blockcrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_LockOnDirStorage(t *testing.T) {
	env := newTestEnvOn(t, NewDirStorage(t.TempDir()), newTestModule("test", testTag))

	w, err := env.fs.Create("/locked/file.bin")
	require.NoError(t, err)
	require.NoError(t, w.Lock(true))
	_, err = w.Write(patternData(100))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Unlock())
	require.NoError(t, w.Close())

	r, err := env.fs.Open("/locked/file.bin")
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Lock(false))
	assert.NoError(t, r.Unlock())
}

func TestLockFile_Unsupported(t *testing.T) {
	assert.ErrorIs(t, lockFile(struct{}{}, true), ErrLockUnsupported)
	assert.ErrorIs(t, unlockFile(struct{}{}), ErrLockUnsupported)
}
