package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu    sync.Mutex
	paths []string
	fail  string
}

func (c *collector) handle(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
	if filepath.Base(path) == c.fail {
		return errors.New("boom")
	}
	return nil
}

func (c *collector) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func TestProcessesNewTrajectoriesOnce(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.traj.json")
	require.NoError(t, os.WriteFile(existing, []byte("[]"), 0644))

	c := &collector{}
	w, err := New(dir, c.handle, 40*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	fresh := filepath.Join(dir, "new.traj.json")
	require.NoError(t, os.WriteFile(fresh, []byte("[]"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	require.Eventually(t, func() bool { return len(c.seen()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{existing, fresh}, c.seen())

	// A later write to a processed file is ignored.
	require.NoError(t, os.WriteFile(fresh, []byte("[ ]"), 0644))
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, c.seen(), 2)
	assert.Equal(t, 2, w.Stats().Processed)
}

func TestHandlerFailureIsCounted(t *testing.T) {
	dir := t.TempDir()
	c := &collector{fail: "bad.traj.json"}
	w, err := New(dir, c.handle, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.traj.json"), []byte("{"), 0644))
	require.Eventually(t, func() bool { return w.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, w.Stats().Processed)
}

func TestStopWithoutStart(t *testing.T) {
	w, err := New(t.TempDir(), func(context.Context, string) error { return nil }, 0)
	require.NoError(t, err)
	w.Stop()

	_, err = New(t.TempDir(), nil, 0)
	assert.Error(t, err)
}

func TestContextCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := New(t.TempDir(), func(context.Context, string) error { return nil }, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	cancel()
	w.Stop()
}
