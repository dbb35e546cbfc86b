// Package processor applies queued change events to the results of the
// search folders that watch them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/searchfolder/internal/notify"
	"github.com/syntrixbase/searchfolder/internal/objectstore"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/metrics"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/queue"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/registry"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/restriction"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

// maxFolderDepth bounds the ancestor walk of the recursive scope check.
const maxFolderDepth = 256

// ResultStore is the part of the persistent store the processor writes to.
type ResultStore interface {
	AddResult(storeID, folderID, objectID, flags uint32) (inserted bool, prevFlags uint32, err error)
	DeleteResult(storeID, folderID, objectID uint32) (flags uint32, existed bool, err error)
	Counts(storeID, folderID uint32) (count, unread uint32, err error)
}

// Processor drains the event queue on a single goroutine. It wakes when
// events arrive, when the flush interval elapses, or on FlushAndWait.
type Processor struct {
	flushInterval time.Duration
	queue         *queue.Queue
	registry      *registry.Registry
	store         ResultStore
	objects       objectstore.Store
	eval          *restriction.Evaluator
	notifier      notify.Notifier
	logger        *slog.Logger

	flushCh   chan chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

// New creates a processor. Start runs it.
func New(flushInterval time.Duration, q *queue.Queue, reg *registry.Registry, store ResultStore, objects objectstore.Store, eval *restriction.Evaluator, notifier notify.Notifier, logger *slog.Logger) *Processor {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Processor{
		flushInterval: flushInterval,
		queue:         q,
		registry:      reg,
		store:         store,
		objects:       objects,
		eval:          eval,
		notifier:      notifier,
		logger:        logger.With("component", "processor"),
		flushCh:       make(chan chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the processing loop. The loop exits after the queue is
// closed and its remaining events were processed, or when ctx is done.
func (p *Processor) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.loop(ctx)
	})
}

// Done is closed when the loop has exited.
func (p *Processor) Done() <-chan struct{} { return p.done }

// FlushAndWait processes everything queued so far and returns once that
// batch has been applied.
func (p *Processor) FlushAndWait(ctx context.Context) error {
	w := make(chan struct{})
	select {
	case p.flushCh <- w:
	case <-p.done:
		return model.ErrClosed
	case <-ctx.Done():
		return model.WrapError(ctx.Err())
	}
	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return model.WrapError(ctx.Err())
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		var waiter chan struct{}
		closed := false

		select {
		case _, ok := <-p.queue.Ready():
			closed = !ok
		case <-ticker.C:
		case waiter = <-p.flushCh:
		case <-ctx.Done():
			return
		}

		p.drain(ctx)
		if waiter != nil {
			close(waiter)
		}
		if closed {
			p.logger.Info("event queue closed, processor stopped")
			return
		}
	}
}

// drain processes batches until the queue is empty. It stops early when a
// batch had to requeue events, leaving them for the next wake-up.
func (p *Processor) drain(ctx context.Context) {
	for {
		events := p.queue.Drain()
		metrics.QueueDepth.Set(float64(p.queue.Len()))
		if len(events) == 0 {
			return
		}
		if requeued := p.ProcessBatch(ctx, events); requeued > 0 {
			return
		}
	}
}

type groupKey struct {
	storeID  uint32
	folderID uint32
	delete   bool
}

type scopeKey struct {
	searchFolder uint32
	folderID     uint32
}

// batch holds per-batch lookups.
type batch struct {
	entries map[uint32][]*registry.Entry
	scope   map[uint32]map[scopeKey]bool
	retry   []model.ChangeEvent
}

// ProcessBatch applies one drained batch. Events are grouped by the folder
// they happened in, in order of first appearance, and every delete group is
// applied before any add or modify group: a move arrives as a delete in the
// old folder and an add in the new one, and the add must win. Groups that
// hit an unavailable backend are put back at the front of the queue; the
// number of requeued events is returned.
func (p *Processor) ProcessBatch(ctx context.Context, events []model.ChangeEvent) int {
	start := time.Now()
	defer func() {
		metrics.BatchLatency.Observe(time.Since(start).Seconds())
	}()

	var deletes, updates []groupKey
	groups := make(map[groupKey][]model.ChangeEvent)
	for _, ev := range events {
		k := groupKey{storeID: ev.StoreID, folderID: ev.FolderID, delete: ev.Kind == model.ChangeDelete}
		if _, ok := groups[k]; !ok {
			if k.delete {
				deletes = append(deletes, k)
			} else {
				updates = append(updates, k)
			}
		}
		groups[k] = append(groups[k], ev)
	}
	order := append(deletes, updates...)

	b := &batch{
		entries: make(map[uint32][]*registry.Entry),
		scope:   make(map[uint32]map[scopeKey]bool),
	}
	for _, k := range order {
		p.processGroup(ctx, b, k, groups[k])
	}

	if len(b.retry) > 0 {
		p.queue.Requeue(b.retry)
		metrics.EventsProcessed.WithLabelValues("requeued").Add(float64(len(b.retry)))
		p.logger.Warn("requeued events after backend failure", "count", len(b.retry))
	}
	return len(b.retry)
}

func (p *Processor) processGroup(ctx context.Context, b *batch, k groupKey, events []model.ChangeEvent) {
	entries, ok := b.entries[k.storeID]
	if !ok {
		entries = p.registry.FoldersInStore(k.storeID)
		b.entries[k.storeID] = entries
	}

	watched := false
	retry := false
	for _, e := range entries {
		w, err := p.applyToFolder(ctx, b, e, k.folderID, events)
		if err != nil {
			if isRetryable(err) {
				retry = true
			} else {
				metrics.EventsProcessed.WithLabelValues("error").Add(float64(len(events)))
				p.logger.Error("failed to apply events", "storeID", e.StoreID, "folderID", e.FolderID, "count", len(events), "error", err)
			}
		}
		watched = watched || w
	}

	if retry {
		b.retry = append(b.retry, events...)
	}
	if !watched {
		metrics.EventsProcessed.WithLabelValues("ignored").Add(float64(len(events)))
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, model.ErrUnavailable) || model.IsCanceled(err)
}

// applyToFolder applies events from folderID to one search folder. It
// reports whether the search folder watches folderID.
func (p *Processor) applyToFolder(ctx context.Context, b *batch, e *registry.Entry, folderID uint32, events []model.ChangeEvent) (bool, error) {
	a := e.BeginApply()
	defer a.End()

	if a.Status == model.StatusStopped || a.Criteria == nil {
		return false, nil
	}
	in, err := p.inScope(ctx, b, e, a.Criteria, folderID)
	if err != nil || !in {
		return false, err
	}

	if a.Status.IsRebuilding() {
		for _, ev := range events {
			if _, dropped := e.Park(ev); dropped > 0 {
				metrics.EventsDropped.WithLabelValues("parked_overflow").Add(float64(dropped))
				p.logger.Warn("dropped parked events for rebuilding folder", "storeID", e.StoreID, "folderID", e.FolderID, "count", dropped)
			}
		}
		metrics.EventsProcessed.WithLabelValues("parked").Add(float64(len(events)))
		return true, nil
	}

	return true, p.apply(ctx, e, a.Criteria, events)
}

// inScope reports whether events in folderID concern the search folder:
// folderID is listed in the criteria, or, for recursive criteria, one of its
// ancestors is. Subtrees reached only through the search folder itself are
// outside the scope.
func (p *Processor) inScope(ctx context.Context, b *batch, e *registry.Entry, c *model.SearchCriteria, folderID uint32) (bool, error) {
	if registry.InScope(c, folderID) {
		return true, nil
	}
	if !c.Recursive() {
		return false, nil
	}

	memo, ok := b.scope[e.StoreID]
	if !ok {
		memo = make(map[scopeKey]bool)
		b.scope[e.StoreID] = memo
	}
	sk := scopeKey{searchFolder: e.FolderID, folderID: folderID}
	if v, ok := memo[sk]; ok {
		return v, nil
	}

	result := false
	cur := folderID
	for depth := 0; depth < maxFolderDepth && cur != e.FolderID; depth++ {
		parent, ok, err := p.objects.ParentFolder(ctx, e.StoreID, cur)
		if err != nil {
			return false, unavailable(err)
		}
		if !ok {
			break
		}
		if registry.InScope(c, parent) {
			result = true
			break
		}
		cur = parent
	}
	memo[sk] = result
	return result, nil
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
