package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWatchDogReportsCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	notify := make(chan string, 8)
	wd, err := NewWatchDogFactory(zap.NewNop()).New(ctx, notify, func(name string) bool {
		return !strings.HasSuffix(name, "README.txt")
	})
	require.NoError(t, err)
	require.NoError(t, wd.AddDir(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "id:000000,sig:11"), []byte("x"), 0o644))

	select {
	case name := <-notify:
		assert.Equal(t, "id:000000,sig:11", filepath.Base(name))
	case <-time.After(5 * time.Second):
		t.Fatal("no notification for created file")
	}

	cancel()
	<-wd.Done()
	_, open := <-notify
	assert.False(t, open)
}

func TestAddDirMissing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wd, err := NewWatchDogFactory(zap.NewNop()).New(ctx, make(chan string), nil)
	require.NoError(t, err)
	assert.Error(t, wd.AddDir(filepath.Join(t.TempDir(), "missing")))

	cancel()
	<-wd.Done()
}
