package filelock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	lock := NewFileLock(lockPath)
	assert.Equal(t, lockPath, lock.Path())

	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
	require.NoError(t, lock.Unlock(), "unlocking twice is harmless")
}

func TestAcquireIsExclusive(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nested", "store.db.lock")

	first, err := Acquire(lockPath)
	require.NoError(t, err)

	_, err = Acquire(lockPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Unlock())

	again, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "identity.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"user_id":"a"}`), 0600))
	require.NoError(t, AtomicWrite(path, []byte(`{"user_id":"b"}`), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"user_id":"b"}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLockAndWriteConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, LockAndWrite(path, []byte(fmt.Sprintf("writer-%d", i))))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Regexp(t, `^writer-\d$`, string(data))
}
