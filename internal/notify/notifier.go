// Package notify delivers search folder change notifications to table
// listeners.
package notify

import (
	"context"
	"sync"

	"github.com/syntrixbase/searchfolder/pkg/model"
)

// Notifier receives notifications for search folder contents. Notify must be
// safe for concurrent use; a failed notification never rolls back the change
// it describes.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
	Close() error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, model.Notification) error { return nil }
func (Nop) Close() error                                     { return nil }

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	seen []model.Notification
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
	return nil
}

func (r *Recorder) Close() error { return nil }

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.seen...)
}

// For returns the notifications recorded for one folder.
func (r *Recorder) For(storeID, folderID uint32) []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Notification
	for _, n := range r.seen {
		if n.StoreID == storeID && n.FolderID == folderID {
			out = append(out, n)
		}
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = nil
}
