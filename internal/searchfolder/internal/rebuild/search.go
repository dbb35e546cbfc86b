package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/syntrixbase/searchfolder/internal/notify"
	"github.com/syntrixbase/searchfolder/internal/objectstore"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/metrics"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/restriction"
	"github.com/syntrixbase/searchfolder/pkg/model"
	"golang.org/x/time/rate"
)

// ResultStore is the part of the persistent store a rebuild writes to.
type ResultStore interface {
	SetStatus(storeID, folderID uint32, status model.Status) error
	ResetResults(storeID, folderID uint32) error
	AddResults(storeID, folderID uint32, results []model.Result) (int, error)
	ResultFlags(storeID, folderID uint32) (map[uint32]uint32, error)
	Counts(storeID, folderID uint32) (count, unread uint32, err error)
}

// SearcherConfig holds scan tuning.
type SearcherConfig struct {
	// ChunkSize is the number of messages fetched and evaluated per step.
	ChunkSize int
	// QPS caps the rows per second one rebuild evaluates. Zero is unlimited.
	QPS int
}

// Searcher performs the scan of a single rebuild job.
type Searcher struct {
	cfg      SearcherConfig
	store    ResultStore
	objects  objectstore.Store
	eval     *restriction.Evaluator
	notifier notify.Notifier
	logger   *slog.Logger
}

var _ Runner = (*Searcher)(nil)

// NewSearcher creates a searcher.
func NewSearcher(cfg SearcherConfig, store ResultStore, objects objectstore.Store, eval *restriction.Evaluator, notifier notify.Notifier, logger *slog.Logger) *Searcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Searcher{
		cfg:      cfg,
		store:    store,
		objects:  objects,
		eval:     eval,
		notifier: notifier,
		logger:   logger.With("component", "searcher"),
	}
}

func unavailable(err error) error {
	switch {
	case model.IsCanceled(err):
		return model.ErrCanceled
	case errors.Is(err, model.ErrUnavailable):
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
}

// Run rebuilds the folder's results. Until it returns nil the folder's
// status on disk stays "rebuild", so an interrupted scan is redone on the
// next load.
func (s *Searcher) Run(ctx context.Context, job *Job) error {
	if err := s.store.SetStatus(job.StoreID, job.FolderID, model.StatusRebuildingIncomplete); err != nil {
		return err
	}

	var previous map[uint32]uint32
	if job.Notify {
		var err error
		if previous, err = s.store.ResultFlags(job.StoreID, job.FolderID); err != nil {
			return err
		}
	}
	if err := s.store.ResetResults(job.StoreID, job.FolderID); err != nil {
		return err
	}

	scope, err := s.Scope(ctx, job.StoreID, job.FolderID, job.Criteria)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if s.cfg.QPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.QPS), max(s.cfg.QPS, s.cfg.ChunkSize))
	}
	tags := restriction.RequiredTags(job.Criteria)

	for _, folderID := range scope {
		if err := s.scanFolder(ctx, job, folderID, tags, limiter); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return model.ErrCanceled
	}

	if err := s.store.SetStatus(job.StoreID, job.FolderID, model.StatusActive); err != nil {
		return err
	}
	if job.Notify {
		s.notifyDiff(ctx, job, previous)
	}
	return nil
}

// Scope expands the criteria's folder list. Explicit folders come first in
// the given order; with the recursive flag their subfolders follow in
// breadth-first order. The search folder itself is never entered through
// recursion.
func (s *Searcher) Scope(ctx context.Context, storeID, searchFolderID uint32, c *model.SearchCriteria) ([]uint32, error) {
	seen := make(map[uint32]struct{}, len(c.Folders))
	scope := make([]uint32, 0, len(c.Folders))
	for _, f := range c.Folders {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		scope = append(scope, f)
	}
	if !c.Recursive() {
		return scope, nil
	}

	for i := 0; i < len(scope); i++ {
		if err := ctx.Err(); err != nil {
			return nil, model.ErrCanceled
		}
		children, err := s.objects.ChildFolders(ctx, storeID, scope[i])
		if err != nil {
			return nil, unavailable(err)
		}
		for _, child := range children {
			if child == searchFolderID {
				continue
			}
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			scope = append(scope, child)
		}
	}
	return scope, nil
}

func (s *Searcher) scanFolder(ctx context.Context, job *Job, folderID uint32, tags []model.PropTag, limiter *rate.Limiter) error {
	var after uint32
	for {
		if err := ctx.Err(); err != nil {
			return model.ErrCanceled
		}

		ids, err := s.objects.ListMessages(ctx, job.StoreID, folderID, after, s.cfg.ChunkSize)
		if err != nil {
			return unavailable(err)
		}
		if len(ids) == 0 {
			return nil
		}
		after = ids[len(ids)-1]

		if limiter != nil {
			if err := limiter.WaitN(ctx, len(ids)); err != nil {
				return model.ErrCanceled
			}
		}

		rows, err := s.objects.GetProperties(ctx, job.StoreID, ids, tags)
		if err != nil {
			return unavailable(err)
		}

		var matches []model.Result
		for _, row := range rows {
			ok, err := s.eval.MatchCriteria(job.Criteria, row)
			if err != nil {
				return fmt.Errorf("evaluate object %d: %w", row.ObjectID, err)
			}
			if ok {
				matches = append(matches, model.Result{ObjectID: row.ObjectID, Flags: row.Flags()})
			}
		}
		job.Scanned += len(rows)
		metrics.RebuildRowsScanned.Add(float64(len(rows)))

		if len(matches) > 0 {
			added, err := s.store.AddResults(job.StoreID, job.FolderID, matches)
			if err != nil {
				return err
			}
			job.Matched += added
		}

		if len(ids) < s.cfg.ChunkSize {
			return nil
		}
	}
}

// notifyDiff reports how the rebuilt membership differs from the one the
// rebuild replaced. Failures are logged; the rebuild already succeeded.
func (s *Searcher) notifyDiff(ctx context.Context, job *Job, previous map[uint32]uint32) {
	logger := s.logger.With("jobID", job.ID, "storeID", job.StoreID, "folderID", job.FolderID)
	current, err := s.store.ResultFlags(job.StoreID, job.FolderID)
	if err != nil {
		logger.Warn("failed to read results for notification", "error", err)
		return
	}

	emit := func(n model.Notification) {
		n.StoreID, n.FolderID = job.StoreID, job.FolderID
		if err := s.notifier.Notify(ctx, n); err != nil {
			logger.Warn("failed to notify", "kind", n.Kind, "error", err)
		}
	}

	removed := make([]uint32, 0)
	for id := range previous {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	for _, id := range removed {
		emit(model.Notification{Kind: model.NotifyRowDelete, ObjectID: id, Flags: previous[id]})
	}

	ids := make([]uint32, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		flags := current[id]
		prev, existed := previous[id]
		switch {
		case !existed:
			emit(model.Notification{Kind: model.NotifyRowAdd, ObjectID: id, Flags: flags})
		case prev != flags:
			emit(model.Notification{Kind: model.NotifyRowModify, ObjectID: id, Flags: flags})
		}
	}

	count, unread, err := s.store.Counts(job.StoreID, job.FolderID)
	if err != nil {
		logger.Warn("failed to read counts for notification", "error", err)
	} else {
		emit(model.Notification{Kind: model.NotifyFolderCounts, Count: count, Unread: unread})
	}
	emit(model.Notification{Kind: model.NotifySearchComplete})
}
