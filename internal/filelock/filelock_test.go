package filelock

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	lock := NewFileLock(filepath.Join(t.TempDir(), "test.lock"))

	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
}

func TestTryLockReportsHeldLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	first := NewFileLock(path)
	acquired, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, acquired)

	// gofrs/flock locks are per-handle, so a second handle observes the
	// first one's hold.
	second := NewFileLock(path)
	acquired, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, first.Unlock())
	acquired, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, second.Unlock())
}

func TestLockSerializesGoroutines(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "test.lock")
	counterPath := filepath.Join(dir, "counter.txt")
	require.NoError(t, os.WriteFile(counterPath, []byte("0"), 0o644))

	const goroutines = 5
	const iterations = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock := NewFileLock(lockPath)
				if err := lock.Lock(); err != nil {
					t.Errorf("acquire lock: %v", err)
					return
				}
				data, _ := os.ReadFile(counterPath)
				n, _ := strconv.Atoi(string(data))
				os.WriteFile(counterPath, []byte(strconv.Itoa(n+1)), 0o644)
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(counterPath)
	require.NoError(t, err)
	n, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, goroutines*iterations, n)
}

func TestAtomicWriteCreatesFileAndParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.html")

	require.NoError(t, AtomicWrite(path, []byte("<html></html>")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))
}

func TestAtomicWriteReplacesExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, AtomicWrite(path, []byte("first")))
	require.NoError(t, AtomicWrite(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
