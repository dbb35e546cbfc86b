package processor

import (
	"context"

	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/metrics"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/registry"
	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/restriction"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

// apply updates an active folder's results for one group of events. Deletes
// remove the row without evaluation. Adds and modifies are evaluated against
// the object's current properties; an object that no longer exists is
// treated as deleted.
func (p *Processor) apply(ctx context.Context, e *registry.Entry, c *model.SearchCriteria, events []model.ChangeEvent) error {
	var ids []uint32
	for _, ev := range events {
		if ev.Kind != model.ChangeDelete {
			ids = append(ids, ev.ObjectID)
		}
	}

	rows := make(map[uint32]model.Row, len(ids))
	if len(ids) > 0 {
		fetched, err := p.objects.GetProperties(ctx, e.StoreID, ids, restriction.RequiredTags(c))
		if err != nil {
			return unavailable(err)
		}
		for _, row := range fetched {
			rows[row.ObjectID] = row
		}
	}

	changed := false
	emit := func(n model.Notification) {
		n.StoreID, n.FolderID = e.StoreID, e.FolderID
		if err := p.notifier.Notify(ctx, n); err != nil {
			p.logger.Warn("failed to notify", "storeID", e.StoreID, "folderID", e.FolderID, "kind", n.Kind, "error", err)
		}
	}
	remove := func(objectID uint32) error {
		flags, existed, err := p.store.DeleteResult(e.StoreID, e.FolderID, objectID)
		if err != nil {
			return err
		}
		if existed {
			changed = true
			emit(model.Notification{Kind: model.NotifyRowDelete, ObjectID: objectID, Flags: flags})
		}
		return nil
	}

	// Counts and notifications for events applied before a failure stand;
	// the whole group is requeued and reapplying it is idempotent.
	defer func() {
		if changed {
			p.notifyCounts(e, emit)
		}
	}()

	for _, ev := range events {
		if ev.Kind == model.ChangeDelete {
			if err := remove(ev.ObjectID); err != nil {
				return err
			}
			metrics.EventsProcessed.WithLabelValues("applied").Inc()
			continue
		}

		row, ok := rows[ev.ObjectID]
		if !ok {
			if err := remove(ev.ObjectID); err != nil {
				return err
			}
			metrics.EventsProcessed.WithLabelValues("applied").Inc()
			continue
		}

		match, err := p.eval.MatchCriteria(c, row)
		if err != nil {
			p.logger.Warn("failed to evaluate object", "storeID", e.StoreID, "folderID", e.FolderID, "objectID", ev.ObjectID, "error", err)
			metrics.EventsProcessed.WithLabelValues("error").Inc()
			continue
		}
		if !match {
			if err := remove(ev.ObjectID); err != nil {
				return err
			}
			metrics.EventsProcessed.WithLabelValues("applied").Inc()
			continue
		}

		flags := row.Flags()
		inserted, prev, err := p.store.AddResult(e.StoreID, e.FolderID, ev.ObjectID, flags)
		if err != nil {
			return err
		}
		if inserted {
			changed = true
			emit(model.Notification{Kind: model.NotifyRowAdd, ObjectID: ev.ObjectID, Flags: flags})
		} else {
			changed = changed || prev != flags
			emit(model.Notification{Kind: model.NotifyRowModify, ObjectID: ev.ObjectID, Flags: flags})
		}
		metrics.EventsProcessed.WithLabelValues("applied").Inc()
	}
	return nil
}

func (p *Processor) notifyCounts(e *registry.Entry, emit func(model.Notification)) {
	count, unread, err := p.store.Counts(e.StoreID, e.FolderID)
	if err != nil {
		p.logger.Warn("failed to read folder counts", "storeID", e.StoreID, "folderID", e.FolderID, "error", err)
		return
	}
	emit(model.Notification{Kind: model.NotifyFolderCounts, Count: count, Unread: unread})
}
