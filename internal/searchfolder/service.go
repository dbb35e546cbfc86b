package searchfolder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/syntrixbase/searchfolder/internal/notify"
	"github.com/syntrixbase/searchfolder/internal/objectstore"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/config"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/metrics"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/persist_store"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/processor"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/queue"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/rebuild"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/registry"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/restriction"
	"github.com/syntrixbase/searchfolder/pkg/model"
	"golang.org/x/sync/errgroup"
)

// Approximate in-memory sizes used by Stats.
const (
	entryOverhead = 160
	eventSize     = 16
)

type folderKey struct {
	storeID  uint32
	folderID uint32
}

// service implements LocalService.
type service struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *persist_store.PebbleStore
	ownsStore bool
	objects   objectstore.Store
	notifier  notify.Notifier

	registry  *registry.Registry
	queue     *queue.Queue
	pool      *rebuild.Pool
	processor *processor.Processor

	mu      sync.Mutex
	running bool
	stopped bool
	jobs    map[folderKey]*rebuild.Job
}

// NewService opens the result store at cfg.StorePath and creates the
// service. The store is closed by Stop.
func NewService(cfg config.Config, objects objectstore.Store, notifier notify.Notifier, logger *slog.Logger) (LocalService, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := persist_store.Open(persist_store.Config{
		Path:           cfg.StorePath,
		BlockCacheSize: cfg.BlockCacheSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open search folder store: %w", err)
	}
	s, err := newService(cfg, store, objects, notifier, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	s.ownsStore = true
	return s, nil
}

func newService(cfg config.Config, store *persist_store.PebbleStore, objects objectstore.Store, notifier notify.Notifier, logger *slog.Logger) (*service, error) {
	cfg.ApplyDefaults()
	eval, err := restriction.NewEvaluator(cfg.Locale)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	s := &service{
		cfg:      cfg,
		logger:   logger.With("component", "searchfolder"),
		store:    store,
		objects:  objects,
		notifier: notifier,
		registry: registry.New(),
		queue:    queue.New(cfg.QueueCapacity),
		jobs:     make(map[folderKey]*rebuild.Job),
	}

	searcher := rebuild.NewSearcher(rebuild.SearcherConfig{
		ChunkSize: cfg.ChunkSize,
		QPS:       cfg.RebuildQPS,
	}, store, objects, eval, notifier, logger)
	s.pool = rebuild.NewPool(cfg.Workers, searcher, s.rebuildFinished, logger)
	s.processor = processor.New(cfg.FlushInterval, s.queue, s.registry, store, objects, eval, notifier, logger)
	return s, nil
}

// Start starts the processor and the rebuild pool.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("service already running")
	}
	if s.stopped {
		return model.ErrClosed
	}
	s.pool.Start()
	// The processor exits when the queue is closed by Stop, not with ctx.
	s.processor.Start(context.WithoutCancel(ctx))
	s.running = true

	s.logger.Info("search folder service started",
		"workers", s.cfg.Workers,
		"queueCapacity", s.cfg.QueueCapacity,
		"locale", s.cfg.Locale)
	return nil
}

// Stop stops accepting events, cancels and joins rebuilds, then joins the
// processor.
func (s *service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	s.queue.Close()

	if err := s.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop rebuild pool: %w", err)
	}

	select {
	case <-s.processor.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	s.logger.Info("search folder service stopped")
	return nil
}

// lockFolder returns the folder's entry with its ops lock held. When create
// is set and the folder is unknown, a stopped entry without criteria is
// registered; the processor ignores it until criteria are attached.
func (s *service) lockFolder(storeID, folderID uint32, create bool) (*registry.Entry, bool, error) {
	for {
		e, ok := s.registry.Get(storeID, folderID)
		if !ok {
			if !create {
				return nil, false, fmt.Errorf("%w: search folder %d/%d", model.ErrNotFound, storeID, folderID)
			}
			fresh := registry.NewEntry(storeID, folderID, nil, model.StatusStopped, s.cfg.MaxParkedEvents)
			fresh.LockOps()
			cur, inserted := s.registry.Insert(fresh)
			if inserted {
				return fresh, true, nil
			}
			fresh.UnlockOps()
			e = cur
		}

		e.LockOps()
		if cur, ok := s.registry.Get(storeID, folderID); ok && cur == e {
			return e, false, nil
		}
		// Removed or replaced while we waited.
		e.UnlockOps()
	}
}

func (s *service) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return model.ErrClosed
	}
	return nil
}

// scheduleRebuild marks the folder rebuilding and queues a job for it.
// The caller holds the entry's ops lock.
func (s *service) scheduleRebuild(e *registry.Entry, c *model.SearchCriteria, notify bool) (*rebuild.Job, error) {
	e.Transition(model.StatusRebuilding, c)

	job := rebuild.NewJob(e.StoreID, e.FolderID, c, notify)
	k := folderKey{e.StoreID, e.FolderID}
	s.mu.Lock()
	s.jobs[k] = job
	s.mu.Unlock()

	if err := s.pool.Schedule(job); err != nil {
		s.mu.Lock()
		if s.jobs[k] == job {
			delete(s.jobs, k)
		}
		s.mu.Unlock()
		return nil, err
	}
	s.updateFolderGauge()
	return job, nil
}

// rebuildFinished runs on the rebuild worker before the job reports done.
func (s *service) rebuildFinished(job *rebuild.Job, err error) {
	k := folderKey{job.StoreID, job.FolderID}
	s.mu.Lock()
	if s.jobs[k] == job {
		delete(s.jobs, k)
	}
	s.mu.Unlock()

	e, ok := s.registry.Get(job.StoreID, job.FolderID)
	if !ok || e.Criteria() != job.Criteria {
		return
	}
	logger := s.logger.With("storeID", job.StoreID, "folderID", job.FolderID, "jobID", job.ID)

	if err != nil {
		if !errors.Is(err, model.ErrCanceled) && !errors.Is(err, model.ErrClosed) {
			e.Transition(model.StatusRebuildingIncomplete, nil)
			logger.Warn("search folder left incomplete after failed rebuild", "error", err)
		}
		s.updateFolderGauge()
		return
	}

	released, dropped := e.Transition(model.StatusActive, nil)
	if dropped > 0 {
		// Events were lost while the folder rebuilt; only another rebuild
		// can account for them.
		logger.Warn("rebuilding again after dropping held-back events", "dropped", dropped)
		if _, err := s.scheduleRebuild(e, job.Criteria, false); err != nil {
			logger.Error("failed to reschedule rebuild", "error", err)
		}
		return
	}
	if len(released) > 0 {
		s.queue.Requeue(released)
		logger.Debug("replaying held-back events", "count", len(released))
	}
	s.updateFolderGauge()
}

func (s *service) updateFolderGauge() {
	counts := map[model.Status]int{
		model.StatusActive:               0,
		model.StatusRebuilding:           0,
		model.StatusRebuildingIncomplete: 0,
		model.StatusStopped:              0,
	}
	for _, e := range s.registry.All() {
		if e.Criteria() != nil {
			counts[e.Status()]++
		}
	}
	for status, n := range counts {
		metrics.Folders.WithLabelValues(status.String()).Set(float64(n))
	}
}

// LoadSearchFolders registers every search folder of the hierarchy that has
// persisted criteria. Folders with corrupt criteria are logged and skipped.
// Criteria rows of folders no longer in the hierarchy are removed.
func (s *service) LoadSearchFolders(ctx context.Context) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	nodes, err := s.objects.ListSearchFolders(ctx)
	if err != nil {
		if model.IsCanceled(err) {
			return model.ErrCanceled
		}
		return fmt.Errorf("%w: list search folders: %v", model.ErrUnavailable, err)
	}
	present := make(map[model.FolderRef]struct{}, len(nodes))

	var loaded, rebuilding, skipped int
	for _, ref := range nodes {
		present[ref] = struct{}{}
		status, err := s.loadFolder(ref)
		switch {
		case errors.Is(err, model.ErrNotFound):
			continue
		case errors.Is(err, model.ErrCorrupt):
			skipped++
			s.logger.Error("skipping search folder with corrupt criteria", "storeID", ref.StoreID, "folderID", ref.FolderID, "error", err)
			continue
		case err != nil:
			return err
		}
		loaded++
		if status.IsRebuilding() {
			rebuilding++
		}
	}

	// Rows of folders missing from the hierarchy are kept; only the remove
	// calls delete persisted folders.
	persisted, err := s.store.ListAllFolders()
	if err != nil {
		return err
	}
	var orphaned int
	for _, ref := range persisted {
		if _, ok := present[ref]; ok {
			continue
		}
		orphaned++
		s.logger.Warn("search folder criteria without a hierarchy node", "storeID", ref.StoreID, "folderID", ref.FolderID)
	}

	s.updateFolderGauge()
	s.logger.Info("search folders loaded", "count", loaded, "rebuilding", rebuilding, "skipped", skipped, "orphaned", orphaned)
	return nil
}

func (s *service) loadFolder(ref model.FolderRef) (model.Status, error) {
	c, err := s.store.LoadCriteria(ref.StoreID, ref.FolderID)
	if err != nil {
		return 0, err
	}
	status, err := s.store.GetStatus(ref.StoreID, ref.FolderID)
	if err != nil {
		return 0, err
	}

	e, created, err := s.lockFolder(ref.StoreID, ref.FolderID, true)
	if err != nil {
		return 0, err
	}
	defer e.UnlockOps()
	if !created {
		// Already set up by a concurrent SetSearchCriteria.
		return e.Status(), nil
	}

	if status.IsRebuilding() {
		if _, err := s.scheduleRebuild(e, c, false); err != nil {
			s.registry.RemoveEntry(e)
			return 0, err
		}
		return model.StatusRebuilding, nil
	}
	e.Transition(status, c)
	return status, nil
}

// SetSearchCriteria implements Service.
func (s *service) SetSearchCriteria(ctx context.Context, storeID, folderID uint32, c *model.SearchCriteria) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if c == nil || c.Flags.Has(model.SearchStop) {
		return s.CancelSearchFolder(ctx, storeID, folderID)
	}

	restartOnly := c.Flags.Has(model.SearchRestart) && c.Restriction == nil && len(c.Folders) == 0
	if !restartOnly {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	e, created, err := s.lockFolder(storeID, folderID, !restartOnly)
	if err != nil {
		return err
	}
	defer e.UnlockOps()

	if restartOnly {
		c = e.Criteria()
		if c == nil {
			return fmt.Errorf("%w: search folder %d/%d has no criteria", model.ErrNotFound, storeID, folderID)
		}
	} else {
		c = c.Clone()
		c.Flags &^= model.SearchRestart | model.SearchStop
	}

	if !created {
		if err := s.pool.CancelAndWait(ctx, storeID, folderID); err != nil {
			return err
		}
	}

	if err := s.persistCriteria(storeID, folderID, c, created); err != nil {
		if created {
			s.registry.RemoveEntry(e)
		}
		return err
	}

	if _, err := s.scheduleRebuild(e, c, !created); err != nil {
		return err
	}
	s.logger.Info("search criteria set", "storeID", storeID, "folderID", folderID, "folders", len(c.Folders), "recursive", c.Recursive())
	return nil
}

// persistCriteria records the criteria with an incomplete status, so a
// crash before the rebuild completes triggers a rebuild on load.
func (s *service) persistCriteria(storeID, folderID uint32, c *model.SearchCriteria, fresh bool) error {
	if err := s.store.SetStatus(storeID, folderID, model.StatusRebuildingIncomplete); err != nil {
		return err
	}
	if err := s.store.SaveCriteria(storeID, folderID, c); err != nil {
		return err
	}
	if fresh {
		return s.store.ResetResults(storeID, folderID)
	}
	return nil
}

// GetSearchCriteria implements Service.
func (s *service) GetSearchCriteria(_ context.Context, storeID, folderID uint32) (*model.SearchCriteria, model.State, error) {
	e, ok := s.registry.Get(storeID, folderID)
	if !ok {
		return nil, 0, fmt.Errorf("%w: search folder %d/%d", model.ErrNotFound, storeID, folderID)
	}
	status, c := e.Snapshot()
	if c == nil {
		return nil, 0, fmt.Errorf("%w: search folder %d/%d", model.ErrNotFound, storeID, folderID)
	}
	return c.Clone(), model.StateOf(status), nil
}

// GetState implements Service.
func (s *service) GetState(storeID, folderID uint32) (model.State, error) {
	_, state, err := s.GetSearchCriteria(context.Background(), storeID, folderID)
	return state, err
}

// GetSearchResults implements Service.
func (s *service) GetSearchResults(_ context.Context, storeID, folderID uint32) ([]uint32, error) {
	e, ok := s.registry.Get(storeID, folderID)
	if !ok || e.Criteria() == nil {
		return nil, fmt.Errorf("%w: search folder %d/%d", model.ErrNotFound, storeID, folderID)
	}
	return s.store.Results(storeID, folderID)
}

// UpdateSearchFolders implements Service.
func (s *service) UpdateSearchFolders(storeID, folderID, objectID uint32, kind model.ChangeKind) error {
	err := s.queue.Enqueue(model.ChangeEvent{StoreID: storeID, FolderID: folderID, ObjectID: objectID, Kind: kind})
	switch {
	case err == nil:
		metrics.EventsEnqueued.WithLabelValues(kind.String()).Inc()
	case errors.Is(err, model.ErrQueueFull):
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		s.logger.Warn("event queue full, dropping change", "storeID", storeID, "folderID", folderID, "objectID", objectID)
	default:
		metrics.EventsDropped.WithLabelValues("closed").Inc()
	}
	return err
}

// CancelSearchFolder implements Service.
func (s *service) CancelSearchFolder(ctx context.Context, storeID, folderID uint32) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	e, _, err := s.lockFolder(storeID, folderID, false)
	if err != nil {
		return err
	}
	defer e.UnlockOps()

	if err := s.pool.CancelAndWait(ctx, storeID, folderID); err != nil {
		return err
	}
	if err := s.store.SetStatus(storeID, folderID, model.StatusStopped); err != nil {
		return err
	}
	e.Transition(model.StatusStopped, nil)
	s.updateFolderGauge()
	s.logger.Info("search folder stopped", "storeID", storeID, "folderID", folderID)
	return nil
}

// RemoveSearchFolder implements Service.
func (s *service) RemoveSearchFolder(ctx context.Context, storeID, folderID uint32) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	e, _, err := s.lockFolder(storeID, folderID, false)
	if err != nil {
		return err
	}
	defer e.UnlockOps()
	return s.removeLocked(ctx, e)
}

func (s *service) removeLocked(ctx context.Context, e *registry.Entry) error {
	if err := s.pool.CancelAndWait(ctx, e.StoreID, e.FolderID); err != nil {
		return err
	}
	// Stop first so an in-flight batch holding the entry writes nothing more.
	e.Transition(model.StatusStopped, nil)
	s.registry.RemoveEntry(e)
	if err := s.store.RemoveFolder(e.StoreID, e.FolderID); err != nil {
		return err
	}
	s.updateFolderGauge()
	s.logger.Info("search folder removed", "storeID", e.StoreID, "folderID", e.FolderID)
	return nil
}

// RemoveStoreSearchFolders implements Service.
func (s *service) RemoveStoreSearchFolders(ctx context.Context, storeID uint32) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	var errs []error
	for _, cur := range s.registry.FoldersInStore(storeID) {
		e, _, err := s.lockFolder(storeID, cur.FolderID, false)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.removeLocked(ctx, e); err != nil {
			errs = append(errs, err)
		}
		e.UnlockOps()
	}

	// Rows of folders that never made it into the registry.
	refs, err := s.store.ListFolders(storeID)
	if err != nil {
		errs = append(errs, err)
	}
	for _, ref := range refs {
		if _, ok := s.registry.Get(ref.StoreID, ref.FolderID); ok {
			continue
		}
		if err := s.store.RemoveFolder(ref.StoreID, ref.FolderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestartSearches implements LocalService.
func (s *service) RestartSearches(ctx context.Context) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cur := range s.registry.All() {
		if cur.Status() == model.StatusStopped {
			continue
		}
		storeID, folderID := cur.StoreID, cur.FolderID
		g.Go(func() error {
			job, err := s.restartFolder(gctx, storeID, folderID)
			if err != nil || job == nil {
				return err
			}
			if err := job.Wait(gctx); err != nil {
				return fmt.Errorf("rebuild of search folder %d/%d: %w", storeID, folderID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("search folders restarted")
	return nil
}

func (s *service) restartFolder(ctx context.Context, storeID, folderID uint32) (*rebuild.Job, error) {
	e, _, err := s.lockFolder(storeID, folderID, false)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer e.UnlockOps()

	status, c := e.Snapshot()
	if status == model.StatusStopped || c == nil {
		return nil, nil
	}
	if err := s.pool.CancelAndWait(ctx, storeID, folderID); err != nil {
		return nil, err
	}
	if err := s.store.SetStatus(storeID, folderID, model.StatusRebuildingIncomplete); err != nil {
		return nil, err
	}
	return s.scheduleRebuild(e, c, true)
}

// Stats implements Service.
func (s *service) Stats() model.Stats {
	st := s.registry.Stats()
	events := s.queue.Len()
	return model.Stats{
		Stores:     st.Stores,
		Folders:    st.Folders,
		Events:     events,
		TotalBytes: uint64(st.Folders*entryOverhead + st.CriteriaBytes + events*eventSize),
	}
}

// FlushAndWait implements LocalService.
func (s *service) FlushAndWait(ctx context.Context) error {
	for {
		s.mu.Lock()
		jobs := make([]*rebuild.Job, 0, len(s.jobs))
		for _, job := range s.jobs {
			jobs = append(jobs, job)
		}
		s.mu.Unlock()
		if len(jobs) == 0 {
			break
		}
		for _, job := range jobs {
			select {
			case <-job.Done():
			case <-ctx.Done():
				return model.WrapError(ctx.Err())
			}
			// Jobs canceled while queued never reach rebuildFinished.
			k := folderKey{job.StoreID, job.FolderID}
			s.mu.Lock()
			if s.jobs[k] == job {
				delete(s.jobs, k)
			}
			s.mu.Unlock()
		}
	}
	return s.processor.FlushAndWait(ctx)
}
