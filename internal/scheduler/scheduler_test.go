package scheduler

import (
	"context"
	"errors"
	"sync"
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

type fakeSupervisor struct {
	mu         sync.Mutex
	calls      []string
	recoverErr error
}

func (f *fakeSupervisor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSupervisor) Recover(context.Context) error {
	f.record("recover")
	return f.recoverErr
}

func (f *fakeSupervisor) Heartbeat(context.Context) error {
	f.record("heartbeat")
	return nil
}

func (f *fakeSupervisor) StopAll(context.Context) error {
	f.record("stop_all")
	return nil
}

func (f *fakeSupervisor) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeNodes struct {
	mu     sync.Mutex
	status []string
}

func (f *fakeNodes) TouchWorkerNode(ctx context.Context, hostname, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, status)
	return nil
}

func (f *fakeNodes) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[len(f.status)-1]
}

func TestSchedulerLifecycle(t *testing.T) {
	sup := &fakeSupervisor{}
	nodes := &fakeNodes{}
	s := New(sup, nodes, zap.NewNop(), 10*time.Millisecond, "node-1")
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return sup.count("heartbeat") >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "online", nodes.last())

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, "recover", sup.calls[0])
	assert.Equal(t, "stop_all", sup.calls[len(sup.calls)-1])
	assert.Equal(t, 1, sup.count("stop_all"))
	assert.Equal(t, "offline", nodes.last())
}

func TestSchedulerFailedRecoveryAbortsStart(t *testing.T) {
	sup := &fakeSupervisor{recoverErr: errors.New("database is locked")}
	s := New(sup, nil, zap.NewNop(), time.Second, "node-1")

	require.Error(t, s.Start(context.Background()))
	// nothing to wait for, StopAll still runs
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 0, sup.count("heartbeat"))
}
