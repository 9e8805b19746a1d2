package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/model"
)

type fakeSyncer struct {
	mu      sync.Mutex
	calls   []string
	err     error
	release chan struct{}
}

func (f *fakeSyncer) SyncConnection(ctx context.Context, id string) (model.SyncReport, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return model.NewSyncReport(), ctx.Err()
		}
	}
	report := model.NewSyncReport()
	report.Push.Synced = 1
	return report, f.err
}

func (f *fakeSyncer) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeEnricher struct {
	mu    sync.Mutex
	calls []Task
	err   error
}

func (f *fakeEnricher) EnrichLead(_ context.Context, id string, full bool) (*model.EnrichmentResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, EnrichTask(id, full))
	f.mu.Unlock()
	if f.err != nil {
		return &model.EnrichmentResult{Status: model.EnrichmentFailed, Err: f.err}, f.err
	}
	return &model.EnrichmentResult{Success: true, Status: model.EnrichmentEnriched}, nil
}

func TestTask_KeyAndValidate(t *testing.T) {
	assert.Equal(t, "sync-conn-1", SyncTask("conn-1").Key())
	assert.Equal(t, "enrich-lead-1", EnrichTask("lead-1", true).Key())
	assert.Equal(t, "enrich-lead-1 (full)", EnrichTask("lead-1", true).String())

	assert.NoError(t, SyncTask("c").Validate())
	assert.Error(t, SyncTask("").Validate())
	assert.Error(t, EnrichTask("", false).Validate())
	assert.ErrorContains(t, Task{Kind: "export"}.Validate(), "unknown task kind")
}

func TestHandler_Run(t *testing.T) {
	s := &fakeSyncer{}
	e := &fakeEnricher{}
	h := NewHandler(s, e)

	require.NoError(t, h.Run(context.Background(), SyncTask("conn-1")))
	require.NoError(t, h.Run(context.Background(), EnrichTask("lead-1", true)))
	assert.Equal(t, []string{"conn-1"}, s.called())
	assert.Equal(t, []Task{EnrichTask("lead-1", true)}, e.calls)

	assert.ErrorContains(t, NewHandler(nil, e).Run(context.Background(), SyncTask("c")), "no syncer")
	assert.ErrorContains(t, NewHandler(s, nil).Run(context.Background(), EnrichTask("l", false)), "no enricher")
}

func TestPool_RunsTasksAndLogsFailuresIndependently(t *testing.T) {
	s := &fakeSyncer{err: errors.New("provider down")}
	e := &fakeEnricher{}
	p := NewPool(NewHandler(s, e), 2)
	p.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, p.Dispatch(ctx, SyncTask("conn-1")))
	require.NoError(t, p.Dispatch(ctx, EnrichTask("lead-1", false)))
	require.NoError(t, p.Dispatch(ctx, SyncTask("conn-2")))
	require.NoError(t, p.Close())

	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, s.called())
	assert.Len(t, e.calls, 1)
}

func TestPool_RejectsDuplicateWhileRunning(t *testing.T) {
	s := &fakeSyncer{release: make(chan struct{})}
	p := NewPool(NewHandler(s, nil), 1)
	p.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, p.Dispatch(ctx, SyncTask("conn-1")))
	err := p.Dispatch(ctx, SyncTask("conn-1"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	require.NoError(t, p.Dispatch(ctx, SyncTask("conn-2")))

	close(s.release)
	require.NoError(t, p.Close())
	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, s.called())

	// Once finished the key is free again, but the pool is closed.
	assert.ErrorIs(t, p.Dispatch(ctx, SyncTask("conn-1")), ErrPoolClosed)
}

func TestPool_TaskOutlivesDispatchContext(t *testing.T) {
	s := &fakeSyncer{release: make(chan struct{})}
	p := NewPool(NewHandler(s, nil), 1)
	p.Start(context.Background())

	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Dispatch(reqCtx, SyncTask("conn-1")))
	cancel()

	time.Sleep(10 * time.Millisecond)
	close(s.release)
	require.NoError(t, p.Close())
	assert.Equal(t, []string{"conn-1"}, s.called())
}

func TestPool_DispatchValidates(t *testing.T) {
	p := NewPool(NewHandler(nil, nil), 1)
	assert.Error(t, p.Dispatch(context.Background(), SyncTask("")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Dispatch(ctx, SyncTask("c")), context.Canceled)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

type countingSyncer struct {
	running, peak atomic.Int32
}

func (c *countingSyncer) SyncConnection(_ context.Context, id string) (model.SyncReport, error) {
	n := c.running.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	c.running.Add(-1)
	if id == "bad" {
		return model.NewSyncReport(), errors.New("boom")
	}
	return model.NewSyncReport(), nil
}

func TestRunAll(t *testing.T) {
	s := &countingSyncer{}
	tasks := []Task{SyncTask("a"), SyncTask("bad"), SyncTask("c"), SyncTask("d"), SyncTask("bad")}

	failed := RunAll(context.Background(), NewHandler(s, nil), tasks, 2)
	assert.Equal(t, 2, failed)
	assert.LessOrEqual(t, s.peak.Load(), int32(2))
}
