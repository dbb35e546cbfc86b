package rebuild

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/searchfolder/internal/notify"
	"github.com/syntrixbase/searchfolder/internal/objectstore/mem_store"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/persist_store"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/restriction"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	store    *persist_store.PebbleStore
	objects  *mem_store.Store
	recorder *notify.Recorder
	searcher *Searcher
}

func newFixture(t *testing.T, chunk int) *fixture {
	t.Helper()
	ps, err := persist_store.Open(persist_store.Config{
		Path:           filepath.Join(t.TempDir(), "results.db"),
		BlockCacheSize: 1 << 20,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	eval, err := restriction.NewEvaluator("en")
	require.NoError(t, err)

	objects := mem_store.New()
	rec := notify.NewRecorder()
	return &fixture{
		store:    ps,
		objects:  objects,
		recorder: rec,
		searcher: NewSearcher(SearcherConfig{ChunkSize: chunk}, ps, objects, eval, rec, testLogger()),
	}
}

func importanceAtLeast(n int32, folders ...uint32) *model.SearchCriteria {
	return &model.SearchCriteria{
		Restriction: model.Property(model.RelOpGE, model.Long(model.TagImportance, n)),
		Folders:     folders,
	}
}

func TestSearcherRun(t *testing.T) {
	f := newFixture(t, 3)
	for i := uint32(1); i <= 10; i++ {
		flags := int32(0)
		if i%2 == 0 {
			flags = int32(model.MsgFlagRead)
		}
		f.objects.PutMessage(1, 10, 100+i,
			model.Long(model.TagImportance, int32(i)),
			model.Long(model.TagMessageFlags, flags))
	}
	// Outside the scope.
	f.objects.PutMessage(1, 11, 500, model.Long(model.TagImportance, 9))

	job := NewJob(1, 50, importanceAtLeast(5, 10), false)
	require.NoError(t, f.searcher.Run(context.Background(), job))

	ids, err := f.store.Results(1, 50)
	require.NoError(t, err)
	assert.Equal(t, []uint32{105, 106, 107, 108, 109, 110}, ids)
	assert.Equal(t, 10, job.Scanned)
	assert.Equal(t, 6, job.Matched)

	count, unread, err := f.store.Counts(1, 50)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), count)
	assert.Equal(t, uint32(3), unread)

	status, err := f.store.GetStatus(1, 50)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, status)
	assert.Empty(t, f.recorder.All(), "no notifications unless asked")
}

func TestSearcherRunReplacesStaleResults(t *testing.T) {
	f := newFixture(t, 10)
	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 9))
	_, _, err := f.store.AddResult(1, 50, 77, 0)
	require.NoError(t, err)

	require.NoError(t, f.searcher.Run(context.Background(), NewJob(1, 50, importanceAtLeast(5, 10), false)))

	ids, err := f.store.Results(1, 50)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, ids)
}

func TestSearcherScope(t *testing.T) {
	f := newFixture(t, 10)
	f.objects.AddFolder(1, 1, 0, false)
	f.objects.AddFolder(1, 2, 1, false)
	f.objects.AddFolder(1, 3, 1, false)
	f.objects.AddFolder(1, 4, 2, false)
	f.objects.AddFolder(1, 9, 1, true)

	ctx := context.Background()
	c := importanceAtLeast(1, 1)
	scope, err := f.searcher.Scope(ctx, 1, 9, c)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, scope)

	c.Flags = model.SearchRecursive
	scope, err = f.searcher.Scope(ctx, 1, 9, c)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 4}, scope, "search folder itself is skipped")

	c.Folders = []uint32{2, 1, 2}
	scope, err = f.searcher.Scope(ctx, 1, 9, c)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 1, 4, 3}, scope)
}

func TestSearcherRecursiveRun(t *testing.T) {
	f := newFixture(t, 10)
	f.objects.AddFolder(1, 1, 0, false)
	f.objects.AddFolder(1, 2, 1, false)
	f.objects.AddFolder(1, 9, 1, true)
	f.objects.PutMessage(1, 1, 10, model.Long(model.TagImportance, 5))
	f.objects.PutMessage(1, 2, 20, model.Long(model.TagImportance, 5))
	f.objects.PutMessage(1, 9, 90, model.Long(model.TagImportance, 5))

	c := importanceAtLeast(5, 1)
	c.Flags = model.SearchRecursive
	require.NoError(t, f.searcher.Run(context.Background(), NewJob(1, 9, c, false)))

	ids, err := f.store.Results(1, 9)
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 20}, ids)
}

func TestSearcherNotifyDiff(t *testing.T) {
	f := newFixture(t, 10)
	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 9), model.Long(model.TagMessageFlags, int32(model.MsgFlagRead)))
	f.objects.PutMessage(1, 10, 2, model.Long(model.TagImportance, 9))
	f.objects.PutMessage(1, 10, 3, model.Long(model.TagImportance, 1))

	// Previous membership: 1 (unread, flags change), 3 (no longer matches).
	_, _, err := f.store.AddResult(1, 50, 1, 0)
	require.NoError(t, err)
	_, _, err = f.store.AddResult(1, 50, 3, 0)
	require.NoError(t, err)

	require.NoError(t, f.searcher.Run(context.Background(), NewJob(1, 50, importanceAtLeast(5, 10), true)))

	got := f.recorder.For(1, 50)
	require.Len(t, got, 5)
	assert.Equal(t, model.Notification{Kind: model.NotifyRowDelete, StoreID: 1, FolderID: 50, ObjectID: 3}, got[0])
	assert.Equal(t, model.Notification{Kind: model.NotifyRowModify, StoreID: 1, FolderID: 50, ObjectID: 1, Flags: model.MsgFlagRead}, got[1])
	assert.Equal(t, model.Notification{Kind: model.NotifyRowAdd, StoreID: 1, FolderID: 50, ObjectID: 2}, got[2])
	assert.Equal(t, model.Notification{Kind: model.NotifyFolderCounts, StoreID: 1, FolderID: 50, Count: 2, Unread: 1}, got[3])
	assert.Equal(t, model.NotifySearchComplete, got[4].Kind)
}

func TestSearcherCanceledBetweenChunks(t *testing.T) {
	f := newFixture(t, 2)
	for i := uint32(1); i <= 6; i++ {
		f.objects.PutMessage(1, 10, i, model.Long(model.TagImportance, 9))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.objects.SetListHook(func(_ context.Context, _, _, after uint32) {
		if after >= 2 {
			cancel()
		}
	})

	err := f.searcher.Run(ctx, NewJob(1, 50, importanceAtLeast(5, 10), false))
	assert.ErrorIs(t, err, model.ErrCanceled)

	status, err := f.store.GetStatus(1, 50)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRebuildingIncomplete, status)
}

func TestSearcherUnavailable(t *testing.T) {
	f := newFixture(t, 10)
	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 9))
	f.objects.SetFailure(errors.New("connection reset"))

	err := f.searcher.Run(context.Background(), NewJob(1, 50, importanceAtLeast(5, 10), false))
	assert.ErrorIs(t, err, model.ErrUnavailable)

	status, err := f.store.GetStatus(1, 50)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRebuildingIncomplete, status)
}

func TestSearcherThrottled(t *testing.T) {
	f := newFixture(t, 5)
	f.searcher.cfg.QPS = 1000
	for i := uint32(1); i <= 20; i++ {
		f.objects.PutMessage(1, 10, i, model.Long(model.TagImportance, 9))
	}
	require.NoError(t, f.searcher.Run(context.Background(), NewJob(1, 50, importanceAtLeast(5, 10), false)))

	ids, err := f.store.Results(1, 50)
	require.NoError(t, err)
	assert.Len(t, ids, 20)
}

// blockingRunner holds every job until released or canceled.
type blockingRunner struct {
	mu            sync.Mutex
	active        map[folderKey]int
	concurrent    int
	maxConcurrent int
	maxPerFolder  int
	started       chan *Job
	release       chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		active:  make(map[folderKey]int),
		started: make(chan *Job, 64),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(ctx context.Context, job *Job) error {
	r.mu.Lock()
	r.active[job.key()]++
	r.concurrent++
	r.maxPerFolder = max(r.maxPerFolder, r.active[job.key()])
	r.maxConcurrent = max(r.maxConcurrent, r.concurrent)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active[job.key()]--
		r.concurrent--
		r.mu.Unlock()
	}()

	r.started <- job
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.release:
		return nil
	}
}

func waitStarted(t *testing.T, r *blockingRunner) *Job {
	t.Helper()
	select {
	case job := <-r.started:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
		return nil
	}
}

func waitDone(t *testing.T, job *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return job.Wait(ctx)
}

func newTestPool(t *testing.T, workers int, runner Runner, onFinish FinishFunc) *Pool {
	t.Helper()
	p := NewPool(workers, runner, onFinish, testLogger())
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func TestPoolRunsJob(t *testing.T) {
	r := newBlockingRunner()
	var mu sync.Mutex
	var finished []error
	p := newTestPool(t, 2, r, func(job *Job, err error) {
		mu.Lock()
		finished = append(finished, err)
		mu.Unlock()
	})

	job := NewJob(1, 10, importanceAtLeast(1, 1), false)
	require.NoError(t, p.Schedule(job))
	assert.Same(t, job, waitStarted(t, r))
	assert.Nil(t, job.Err(), "not done yet")

	close(r.release)
	assert.NoError(t, waitDone(t, job))
	assert.False(t, job.Finished.Before(job.Started))

	mu.Lock()
	assert.Equal(t, []error{nil}, finished)
	mu.Unlock()
}

func TestPoolOneJobPerFolder(t *testing.T) {
	r := newBlockingRunner()
	p := newTestPool(t, 4, r, nil)

	first := NewJob(1, 10, importanceAtLeast(1, 1), false)
	require.NoError(t, p.Schedule(first))
	waitStarted(t, r)

	second := NewJob(1, 10, importanceAtLeast(2, 1), false)
	third := NewJob(1, 10, importanceAtLeast(3, 1), false)
	require.NoError(t, p.Schedule(second))
	require.NoError(t, p.Schedule(third))

	assert.ErrorIs(t, waitDone(t, first), model.ErrCanceled)
	assert.ErrorIs(t, waitDone(t, second), model.ErrCanceled, "deferred job is replaced")

	// second may have started before third replaced it.
	for waitStarted(t, r) != third {
	}
	close(r.release)
	assert.NoError(t, waitDone(t, third))

	r.mu.Lock()
	assert.Equal(t, 1, r.maxPerFolder)
	r.mu.Unlock()
}

func TestPoolBoundedWorkers(t *testing.T) {
	r := newBlockingRunner()
	p := newTestPool(t, 2, r, nil)

	var jobs []*Job
	for f := uint32(1); f <= 5; f++ {
		job := NewJob(1, f, importanceAtLeast(1, 1), false)
		require.NoError(t, p.Schedule(job))
		jobs = append(jobs, job)
	}
	waitStarted(t, r)
	waitStarted(t, r)
	assert.Equal(t, 5, p.Pending())

	close(r.release)
	for _, job := range jobs {
		assert.NoError(t, waitDone(t, job))
	}

	r.mu.Lock()
	assert.Equal(t, 2, r.maxConcurrent)
	r.mu.Unlock()
	assert.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPoolCancel(t *testing.T) {
	r := newBlockingRunner()
	p := newTestPool(t, 1, r, nil)

	running := NewJob(1, 1, importanceAtLeast(1, 1), false)
	queued := NewJob(1, 2, importanceAtLeast(1, 1), false)
	require.NoError(t, p.Schedule(running))
	waitStarted(t, r)
	require.NoError(t, p.Schedule(queued))

	select {
	case <-p.Cancel(1, 2):
	case <-time.After(time.Second):
		t.Fatal("canceling a queued job must not block")
	}
	assert.ErrorIs(t, waitDone(t, queued), model.ErrCanceled)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.CancelAndWait(ctx, 1, 1))
	assert.ErrorIs(t, running.Err(), model.ErrCanceled)

	// Nothing to cancel.
	require.NoError(t, p.CancelAndWait(ctx, 1, 3))
}

func TestPoolShutdown(t *testing.T) {
	r := newBlockingRunner()
	p := NewPool(1, r, nil, testLogger())
	p.Start()

	running := NewJob(1, 1, importanceAtLeast(1, 1), false)
	queued := NewJob(1, 2, importanceAtLeast(1, 1), false)
	require.NoError(t, p.Schedule(running))
	waitStarted(t, r)
	require.NoError(t, p.Schedule(queued))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.ErrorIs(t, running.Err(), model.ErrCanceled)
	assert.ErrorIs(t, queued.Err(), model.ErrClosed)

	late := NewJob(1, 3, importanceAtLeast(1, 1), false)
	assert.ErrorIs(t, p.Schedule(late), model.ErrClosed)
	assert.ErrorIs(t, late.Err(), model.ErrClosed)
	assert.Zero(t, p.Pending())
}

func TestPoolWithSearcher(t *testing.T) {
	f := newFixture(t, 2)
	for i := uint32(1); i <= 5; i++ {
		f.objects.PutMessage(1, 10, i, model.Long(model.TagImportance, int32(i)))
	}
	p := newTestPool(t, 2, f.searcher, nil)

	job := NewJob(1, 50, importanceAtLeast(3, 10), false)
	require.NoError(t, p.Schedule(job))
	require.NoError(t, waitDone(t, job))

	ids, err := f.store.Results(1, 50)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 4, 5}, ids)
}
