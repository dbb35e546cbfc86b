// Package rebuild runs full rescans of search folders on a bounded worker
// pool.
//
// A rebuild is scheduled when:
//   - criteria are set on a folder
//   - a folder is loaded with an interrupted rebuild on disk
//   - an administrator restarts all searches
//
// Rebuild flow:
//  1. Mark the folder "rebuild" on disk (results are not trusted)
//  2. Clear existing results
//  3. Expand the folder scope and page through its messages (throttled)
//  4. Evaluate each chunk and store the matches
//  5. Mark the folder "running" on disk and report the diff
package rebuild

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

type folderKey struct {
	storeID  uint32
	folderID uint32
}

// Job is one scheduled rebuild of a search folder.
type Job struct {
	ID       string
	StoreID  uint32
	FolderID uint32
	Criteria *model.SearchCriteria
	// Notify asks for added and removed rows to be reported to listeners.
	Notify bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// Set by the worker; read after Done.
	Started  time.Time
	Finished time.Time
	Scanned  int
	Matched  int
}

// NewJob creates a job that has not been scheduled yet.
func NewJob(storeID, folderID uint32, c *model.SearchCriteria, notify bool) *Job {
	return &Job{
		ID:       uuid.New().String(),
		StoreID:  storeID,
		FolderID: folderID,
		Criteria: c,
		Notify:   notify,
		done:     make(chan struct{}),
	}
}

func (j *Job) key() folderKey {
	return folderKey{storeID: j.StoreID, folderID: j.FolderID}
}

// Done is closed when the job has finished, was canceled before it ran, or
// was replaced by a newer job for the same folder.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the outcome once Done is closed: nil on success,
// model.ErrCanceled when canceled or superseded, model.ErrClosed when the
// pool shut down before the job ran.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return model.WrapError(ctx.Err())
	}
}

func (j *Job) finish(err error) {
	if j.cancel != nil {
		j.cancel()
	}
	j.err = err
	close(j.done)
}
