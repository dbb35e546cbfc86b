// Package searchfolder maintains search folders: virtual folders whose
// membership is defined by a stored restriction over message properties
// and a scope of folders to search.
//
// Membership is kept current two ways:
//
//   - Incrementally: writers report committed changes through
//     UpdateSearchFolders; a background processor evaluates each changed
//     object against every search folder watching its folder.
//   - By rebuild: setting criteria, loading a folder whose last rebuild was
//     interrupted, or RestartSearches rescans the whole scope on a bounded
//     worker pool. While a folder rebuilds, its events are held back and
//     replayed once the rebuild completes.
//
// # Usage
//
//	svc, err := searchfolder.NewService(cfg, objects, notifier, logger)
//	svc.Start(ctx)
//	svc.LoadSearchFolders(ctx)
//
//	svc.SetSearchCriteria(ctx, storeID, folderID, criteria)
//	svc.UpdateSearchFolders(storeID, parentID, objectID, searchfolder.ChangeAdd)
package searchfolder

import (
	"context"

	"github.com/syntrixbase/searchfolder/pkg/model"
)

// Service defines the search folder operations used by the rest of the server.
type Service interface {
	// SetSearchCriteria replaces a folder's criteria and rebuilds its results.
	// Nil criteria or the SearchStop flag stop the folder instead. With the
	// SearchRestart flag and no restriction or folders, the current criteria
	// are rebuilt.
	SetSearchCriteria(ctx context.Context, storeID, folderID uint32, c *SearchCriteria) error

	// GetSearchCriteria returns a copy of the criteria and the folder state.
	GetSearchCriteria(ctx context.Context, storeID, folderID uint32) (*SearchCriteria, State, error)

	// GetSearchResults returns the member object ids in ascending order.
	GetSearchResults(ctx context.Context, storeID, folderID uint32) ([]uint32, error)

	// UpdateSearchFolders reports a committed change to an object in folderID.
	// It never blocks; a full queue drops the event and returns ErrQueueFull.
	UpdateSearchFolders(storeID, folderID, objectID uint32, kind ChangeKind) error

	// CancelSearchFolder stops a folder. Its results are kept but no longer
	// updated.
	CancelSearchFolder(ctx context.Context, storeID, folderID uint32) error

	// RemoveSearchFolder deletes a folder's criteria and results.
	RemoveSearchFolder(ctx context.Context, storeID, folderID uint32) error

	// RemoveStoreSearchFolders deletes every search folder of a store.
	RemoveStoreSearchFolders(ctx context.Context, storeID uint32) error

	// GetState returns the running/rebuild flags of a folder.
	GetState(storeID, folderID uint32) (State, error)

	// Stats returns a summary of registered folders and queued events.
	Stats() Stats
}

// LocalService extends Service with lifecycle and administrative methods.
type LocalService interface {
	Service

	// Start starts the processor and the rebuild pool.
	Start(ctx context.Context) error

	// Stop stops accepting events, cancels rebuilds, and waits for the
	// processor to finish.
	Stop(ctx context.Context) error

	// LoadSearchFolders registers every persisted search folder and
	// schedules rebuilds for those whose last rebuild did not complete.
	LoadSearchFolders(ctx context.Context) error

	// RestartSearches rebuilds every folder that is not stopped and waits
	// for all rebuilds to finish.
	RestartSearches(ctx context.Context) error

	// FlushAndWait waits for scheduled rebuilds and then for every queued
	// event to be applied.
	FlushAndWait(ctx context.Context) error
}

// SearchCriteria is a restriction, a scope of folders and search flags.
type SearchCriteria = model.SearchCriteria

// Restriction is a node of a restriction tree.
type Restriction = model.Restriction

// SearchFlags modify how criteria are applied.
type SearchFlags = model.SearchFlags

const (
	SearchStop       = model.SearchStop
	SearchRestart    = model.SearchRestart
	SearchRecursive  = model.SearchRecursive
	SearchShallow    = model.SearchShallow
	SearchForeground = model.SearchForeground
	SearchBackground = model.SearchBackground
)

// ChangeKind is the kind of an object change.
type ChangeKind = model.ChangeKind

const (
	ChangeAdd    = model.ChangeAdd
	ChangeModify = model.ChangeModify
	ChangeDelete = model.ChangeDelete
)

// State is the running/rebuild bitmask reported for a folder.
type State = model.State

const (
	StateRunning = model.StateRunning
	StateRebuild = model.StateRebuild
)

// Stats summarizes the service.
type Stats = model.Stats

// Search folder errors.
var (
	ErrNotFound        = model.ErrNotFound
	ErrCorrupt         = model.ErrCorrupt
	ErrCanceled        = model.ErrCanceled
	ErrUnavailable     = model.ErrUnavailable
	ErrInvalidArgument = model.ErrInvalidArgument
	ErrQueueFull       = model.ErrQueueFull
	ErrClosed          = model.ErrClosed
)
