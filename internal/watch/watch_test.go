package watch

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychrist666/liveline/internal/logger"
)

func newTestWatcher(t *testing.T, path string, onChange func()) *FileWatcher {
	t.Helper()
	logger.Init("error", false)
	w, err := NewFile(path, onChange)
	require.NoError(t, err)
	return w
}

func TestNewFile_Validation(t *testing.T) {
	logger.Init("error", false)

	_, err := NewFile("", func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch path cannot be empty")

	_, err = NewFile(filepath.Join(t.TempDir(), "manifest.mpd"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change callback cannot be nil")
}

func TestFileWatcher_StartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.mpd")
	require.NoError(t, os.WriteFile(path, []byte("<MPD/>"), 0644))

	w := newTestWatcher(t, path, func() {})
	require.NoError(t, w.Start())

	err := w.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	err = w.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has been stopped")
}

func TestFileWatcher_DetectsRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.mpd")
	require.NoError(t, os.WriteFile(path, []byte("<MPD>v1</MPD>"), 0644))

	var fired atomic.Int32
	w := newTestWatcher(t, path, func() { fired.Add(1) })
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("<MPD>version two</MPD>"), 0644))

	require.Eventually(t, func() bool { return fired.Load() >= 1 },
		3*time.Second, 50*time.Millisecond)
}

func TestFileWatcher_DetectsAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.mpd")
	require.NoError(t, os.WriteFile(path, []byte("<MPD>v1</MPD>"), 0644))

	var fired atomic.Int32
	w := newTestWatcher(t, path, func() { fired.Add(1) })
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	// The packager pattern: write a temp file, then rename it over the
	// manifest.
	tmp := filepath.Join(dir, "manifest.mpd.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("<MPD>version two</MPD>"), 0644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return fired.Load() >= 1 },
		3*time.Second, 50*time.Millisecond)
}

func TestFileWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.mpd")
	require.NoError(t, os.WriteFile(path, []byte("<MPD>v1</MPD>"), 0644))

	var fired atomic.Int32
	w := newTestWatcher(t, path, func() { fired.Add(1) })
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment-1.m4s"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment-2.m4s"), []byte("data"), 0644))

	time.Sleep(800 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestFileWatcher_PollingFallbackDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.mpd")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	var fired atomic.Int32
	w := newTestWatcher(t, path, func() { fired.Add(1) })
	w.pollInterval = 20 * time.Millisecond

	// Run the loop with no fsnotify watcher, as if the platform had
	// none to offer.
	w.started = true
	go w.run()
	defer func() { _ = w.Stop() }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("version two"), 0644))

	require.Eventually(t, func() bool { return fired.Load() >= 1 },
		2*time.Second, 20*time.Millisecond)
}
