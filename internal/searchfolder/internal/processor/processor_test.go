package processor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/searchfolder/internal/notify"
	"github.com/syntrixbase/searchfolder/internal/objectstore/mem_store"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/persist_store"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/queue"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/registry"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/restriction"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	queue    *queue.Queue
	registry *registry.Registry
	store    *persist_store.PebbleStore
	objects  *mem_store.Store
	recorder *notify.Recorder
	proc     *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ps, err := persist_store.Open(persist_store.Config{
		Path:           filepath.Join(t.TempDir(), "results.db"),
		BlockCacheSize: 1 << 20,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	eval, err := restriction.NewEvaluator("en")
	require.NoError(t, err)

	f := &fixture{
		queue:    queue.New(100),
		registry: registry.New(),
		store:    ps,
		objects:  mem_store.New(),
		recorder: notify.NewRecorder(),
	}
	f.proc = New(50*time.Millisecond, f.queue, f.registry, ps, f.objects, eval, f.recorder, testLogger())
	return f
}

func (f *fixture) watch(folderID uint32, status model.Status, c *model.SearchCriteria) *registry.Entry {
	e := registry.NewEntry(1, folderID, c, status, 100)
	f.registry.Insert(e)
	return e
}

// run starts the loop and stops it before the store closes.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	f.proc.Start(context.Background())
	t.Cleanup(func() {
		f.queue.Close()
		<-f.proc.Done()
	})
}

func (f *fixture) results(t *testing.T, folderID uint32) []uint32 {
	t.Helper()
	ids, err := f.store.Results(1, folderID)
	require.NoError(t, err)
	return ids
}

func importanceIs(n int32, folders ...uint32) *model.SearchCriteria {
	return &model.SearchCriteria{
		Restriction: model.Property(model.RelOpEQ, model.Long(model.TagImportance, n)),
		Folders:     folders,
	}
}

func ev(folderID, objectID uint32, kind model.ChangeKind) model.ChangeEvent {
	return model.ChangeEvent{StoreID: 1, FolderID: folderID, ObjectID: objectID, Kind: kind}
}

func TestAddModifyDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.watch(50, model.StatusActive, importanceIs(5, 10))

	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 5))
	assert.Zero(t, f.proc.ProcessBatch(ctx, []model.ChangeEvent{ev(10, 1, model.ChangeAdd)}))
	assert.Equal(t, []uint32{1}, f.results(t, 50))

	got := f.recorder.For(1, 50)
	require.Len(t, got, 2)
	assert.Equal(t, model.NotifyRowAdd, got[0].Kind)
	assert.Equal(t, model.Notification{Kind: model.NotifyFolderCounts, StoreID: 1, FolderID: 50, Count: 1, Unread: 1}, got[1])

	f.recorder.Reset()
	f.objects.SetProps(1, 1, model.Long(model.TagImportance, 6))
	f.proc.ProcessBatch(ctx, []model.ChangeEvent{ev(10, 1, model.ChangeModify)})
	assert.Empty(t, f.results(t, 50))
	got = f.recorder.For(1, 50)
	require.Len(t, got, 2)
	assert.Equal(t, model.NotifyRowDelete, got[0].Kind)
	assert.Equal(t, model.NotifyFolderCounts, got[1].Kind)
	assert.Zero(t, got[1].Count)

	f.recorder.Reset()
	f.objects.DeleteMessage(1, 1)
	assert.Zero(t, f.proc.ProcessBatch(ctx, []model.ChangeEvent{ev(10, 1, model.ChangeDelete)}))
	assert.Empty(t, f.results(t, 50))
	assert.Empty(t, f.recorder.All())
}

func TestAddTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.watch(50, model.StatusActive, importanceIs(5, 10))
	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 5))

	f.proc.ProcessBatch(ctx, []model.ChangeEvent{ev(10, 1, model.ChangeAdd)})
	f.objects.SetProps(1, 1, model.Long(model.TagMessageFlags, int32(model.MsgFlagRead)))
	f.proc.ProcessBatch(ctx, []model.ChangeEvent{ev(10, 1, model.ChangeAdd)})

	assert.Equal(t, []uint32{1}, f.results(t, 50))
	count, unread, err := f.store.Counts(1, 50)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
	assert.Zero(t, unread)

	got := f.recorder.For(1, 50)
	require.Len(t, got, 4)
	assert.Equal(t, model.NotifyRowModify, got[2].Kind)
	assert.Equal(t, model.MsgFlagRead, got[2].Flags)
}

func TestMissingObjectIsRemoved(t *testing.T) {
	f := newFixture(t)
	f.watch(50, model.StatusActive, importanceIs(5, 10))
	_, _, err := f.store.AddResult(1, 50, 7, 0)
	require.NoError(t, err)

	f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{ev(10, 7, model.ChangeModify)})
	assert.Empty(t, f.results(t, 50))
}

func TestRebuildingFolderParksEvents(t *testing.T) {
	f := newFixture(t)
	e := f.watch(50, model.StatusRebuilding, importanceIs(5, 10))
	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 5))

	f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{ev(10, 1, model.ChangeAdd)})
	assert.Empty(t, f.results(t, 50), "rebuilding folders are not written")
	assert.Equal(t, 1, e.ParkedLen())

	released, dropped := e.Transition(model.StatusActive, nil)
	assert.Zero(t, dropped)
	assert.Equal(t, []model.ChangeEvent{ev(10, 1, model.ChangeAdd)}, released)
}

func TestStoppedFolderIgnoresEvents(t *testing.T) {
	f := newFixture(t)
	e := f.watch(50, model.StatusStopped, importanceIs(5, 10))
	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 5))

	f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{ev(10, 1, model.ChangeAdd)})
	assert.Empty(t, f.results(t, 50))
	assert.Zero(t, e.ParkedLen())
}

func TestScopeContainment(t *testing.T) {
	f := newFixture(t)
	f.watch(50, model.StatusActive, importanceIs(5, 10))
	f.objects.PutMessage(1, 11, 1, model.Long(model.TagImportance, 5))

	f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{ev(11, 1, model.ChangeAdd)})
	assert.Empty(t, f.results(t, 50))
}

func TestRecursiveScope(t *testing.T) {
	f := newFixture(t)
	f.objects.AddFolder(1, 1, 0, false)
	f.objects.AddFolder(1, 2, 1, false)
	f.objects.AddFolder(1, 3, 2, false)
	f.objects.AddFolder(1, 9, 1, true)
	f.objects.AddFolder(1, 90, 9, false)
	f.objects.AddFolder(1, 20, 0, false)

	c := importanceIs(5, 1)
	c.Flags = model.SearchRecursive
	f.watch(9, model.StatusActive, c)

	for i, folder := range []uint32{1, 3, 9, 90, 20} {
		f.objects.PutMessage(1, folder, uint32(100+i), model.Long(model.TagImportance, 5))
	}
	f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{
		ev(1, 100, model.ChangeAdd),
		ev(3, 101, model.ChangeAdd),
		ev(9, 102, model.ChangeAdd),
		ev(90, 103, model.ChangeAdd),
		ev(20, 104, model.ChangeAdd),
	})
	assert.Equal(t, []uint32{100, 101}, f.results(t, 9))
}

func TestMoveWithinBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.watch(50, model.StatusActive, importanceIs(5, 10, 11))

	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 5))
	f.proc.ProcessBatch(ctx, []model.ChangeEvent{ev(10, 1, model.ChangeAdd)})
	require.Equal(t, []uint32{1}, f.results(t, 50))

	// The add group for folder 11 appears first, yet the delete from the
	// old folder must not remove the moved object.
	f.objects.PutMessage(1, 11, 2, model.Long(model.TagImportance, 5))
	f.objects.MoveMessage(1, 1, 11)
	f.proc.ProcessBatch(ctx, []model.ChangeEvent{
		ev(11, 2, model.ChangeAdd),
		ev(10, 1, model.ChangeDelete),
		ev(11, 1, model.ChangeAdd),
	})
	assert.Equal(t, []uint32{1, 2}, f.results(t, 50))
}

func TestIsolationAcrossFolders(t *testing.T) {
	f := newFixture(t)
	f.watch(50, model.StatusActive, importanceIs(5, 10))
	f.watch(51, model.StatusActive, importanceIs(5, 11))
	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 5))
	f.objects.PutMessage(1, 11, 2, model.Long(model.TagImportance, 5))

	f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{
		ev(10, 1, model.ChangeAdd),
		ev(11, 2, model.ChangeAdd),
	})
	assert.Equal(t, []uint32{1}, f.results(t, 50))
	assert.Equal(t, []uint32{2}, f.results(t, 51))

	f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{ev(10, 1, model.ChangeDelete)})
	assert.Empty(t, f.results(t, 50))
	assert.Equal(t, []uint32{2}, f.results(t, 51))
}

func TestUnknownStoreIsDropped(t *testing.T) {
	f := newFixture(t)
	requeued := f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{
		{StoreID: 7, FolderID: 1, ObjectID: 1, Kind: model.ChangeAdd},
	})
	assert.Zero(t, requeued)
	assert.Zero(t, f.queue.Len())
}

func TestUnavailableRequeues(t *testing.T) {
	f := newFixture(t)
	f.watch(50, model.StatusActive, importanceIs(5, 10))
	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 5))
	f.objects.SetFailure(errors.New("connection reset"))

	requeued := f.proc.ProcessBatch(context.Background(), []model.ChangeEvent{ev(10, 1, model.ChangeAdd)})
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, f.queue.Len())
	assert.Empty(t, f.results(t, 50))

	f.objects.SetFailure(nil)
	f.run(t)
	require.NoError(t, f.proc.FlushAndWait(context.Background()))
	assert.Equal(t, []uint32{1}, f.results(t, 50))
}

func TestLoopFlushAndClose(t *testing.T) {
	f := newFixture(t)
	f.watch(50, model.StatusActive, importanceIs(5, 10))
	ctx := context.Background()
	f.proc.Start(ctx)

	for i := uint32(1); i <= 20; i++ {
		f.objects.PutMessage(1, 10, i, model.Long(model.TagImportance, int32(i%2)+4))
		require.NoError(t, f.queue.Enqueue(ev(10, i, model.ChangeAdd)))
	}
	require.NoError(t, f.proc.FlushAndWait(ctx))
	assert.Len(t, f.results(t, 50), 10)
	assert.Zero(t, f.queue.Len())

	f.queue.Close()
	select {
	case <-f.proc.Done():
	case <-time.After(time.Second):
		t.Fatal("processor did not stop after the queue closed")
	}
	assert.ErrorIs(t, f.proc.FlushAndWait(ctx), model.ErrClosed)
}

func TestEnqueueWakesProcessor(t *testing.T) {
	f := newFixture(t)
	f.watch(50, model.StatusActive, importanceIs(5, 10))
	f.run(t)

	f.objects.PutMessage(1, 10, 1, model.Long(model.TagImportance, 5))
	require.NoError(t, f.queue.Enqueue(ev(10, 1, model.ChangeAdd)))

	assert.Eventually(t, func() bool {
		ids, err := f.store.Results(1, 50)
		return err == nil && len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
