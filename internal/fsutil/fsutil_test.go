package fsutil

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_TryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.lock")

	first := NewFileLock(path)
	require.NoError(t, first.TryLock())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	second := NewFileLock(path)
	err = second.TryLock()
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())

	// unlocking twice is harmless
	assert.NoError(t, second.Unlock())
}

func TestFileLock_SerializesWriters(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "counter.lock")
	counterPath := filepath.Join(dir, "counter")
	require.NoError(t, os.WriteFile(counterPath, []byte("0"), 0644))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewFileLock(lockPath)
			if !assert.NoError(t, l.Lock()) {
				return
			}
			defer l.Unlock()

			data, err := os.ReadFile(counterPath)
			if !assert.NoError(t, err) {
				return
			}
			n, err := strconv.Atoi(string(data))
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, WriteFileAtomic(counterPath, []byte(strconv.Itoa(n+1)), 0644))
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(counterPath)
	require.NoError(t, err)
	assert.Equal(t, "20", string(data))
}

func TestFileLock_SharedReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.lock")
	a, b := NewFileLock(path), NewFileLock(path)

	require.NoError(t, a.RLock())
	require.NoError(t, b.RLock())
	require.NoError(t, a.Unlock())
	require.NoError(t, b.Unlock())
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
