// Package objectstore describes the folder hierarchy and message property
// access the search folder subsystem reads from the host store.
package objectstore

import (
	"context"

	"github.com/syntrixbase/searchfolder/pkg/model"
)

// Store is the read side of the host object store.
//
// Implementations return context errors unchanged so callers can tell a
// canceled scan from a failing backend.
type Store interface {
	// ListSearchFolders returns every search folder node in the hierarchy.
	ListSearchFolders(ctx context.Context) ([]model.FolderRef, error)

	// ChildFolders returns the direct subfolders of a folder in ascending
	// id order. Unknown folders have no children.
	ChildFolders(ctx context.Context, storeID, folderID uint32) ([]uint32, error)

	// ParentFolder returns the parent of a folder. ok is false for root
	// and unknown folders.
	ParentFolder(ctx context.Context, storeID, folderID uint32) (parentID uint32, ok bool, err error)

	// ListMessages returns up to limit message ids of a folder greater than
	// after, in ascending order.
	ListMessages(ctx context.Context, storeID, folderID, after uint32, limit int) ([]uint32, error)

	// GetProperties fetches the requested properties of each object.
	// Objects that no longer exist are omitted from the result.
	GetProperties(ctx context.Context, storeID uint32, objectIDs []uint32, tags []model.PropTag) ([]model.Row, error)
}

// Project copies the requested tags out of a full property set.
func Project(objectID uint32, props map[model.PropTag]model.PropValue, tags []model.PropTag) model.Row {
	full := model.Row{ObjectID: objectID, Props: props}
	row := model.Row{ObjectID: objectID, Props: make(map[model.PropTag]model.PropValue, len(tags))}
	for _, tag := range tags {
		if v, ok := full.Get(tag); ok {
			row.Props[v.Tag] = v
		}
	}
	return row
}
