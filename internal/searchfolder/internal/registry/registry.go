// Package registry keeps the in-memory index of search folders, keyed by
// store and then folder.
package registry

import (
	"sort"
	"sync"

	"github.com/syntrixbase/searchfolder/pkg/model"
)

// Registry is a two-level store → folder → entry map. Every method holds
// the registry lock only for the map operation itself.
type Registry struct {
	mu     sync.Mutex
	stores map[uint32]map[uint32]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{stores: make(map[uint32]map[uint32]*Entry)}
}

// Insert adds e unless the folder already has an entry, in which case the
// existing entry is returned with false. Criteria of a registered entry are
// replaced in place through Entry.Transition.
func (r *Registry) Insert(e *Entry) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folders, ok := r.stores[e.StoreID]
	if !ok {
		folders = make(map[uint32]*Entry)
		r.stores[e.StoreID] = folders
	}
	if cur, ok := folders[e.FolderID]; ok {
		return cur, false
	}
	folders[e.FolderID] = e
	return e, true
}

// Get returns the entry for a folder.
func (r *Registry) Get(storeID, folderID uint32) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.stores[storeID][folderID]
	return e, ok
}

// RemoveEntry drops e only if it is still the folder's entry.
func (r *Registry) RemoveEntry(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	folders := r.stores[e.StoreID]
	if folders[e.FolderID] != e {
		return false
	}
	delete(folders, e.FolderID)
	if len(folders) == 0 {
		delete(r.stores, e.StoreID)
	}
	return true
}

// FoldersInStore returns a snapshot of the entries of one store, ordered by
// folder id.
func (r *Registry) FoldersInStore(storeID uint32) []*Entry {
	r.mu.Lock()
	out := make([]*Entry, 0, len(r.stores[storeID]))
	for _, e := range r.stores[storeID] {
		out = append(out, e)
	}
	r.mu.Unlock()

	sortByFolder(out)
	return out
}

// All returns a snapshot of every entry.
func (r *Registry) All() []*Entry {
	r.mu.Lock()
	var out []*Entry
	for _, folders := range r.stores {
		for _, e := range folders {
			out = append(out, e)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StoreID != out[j].StoreID {
			return out[i].StoreID < out[j].StoreID
		}
		return out[i].FolderID < out[j].FolderID
	})
	return out
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Stores        int
	Folders       int
	CriteriaBytes int
}

// Stats counts stores, folders and the encoded size of all criteria.
func (r *Registry) Stats() Stats {
	var entries []*Entry
	var st Stats

	r.mu.Lock()
	st.Stores = len(r.stores)
	for _, folders := range r.stores {
		st.Folders += len(folders)
		for _, e := range folders {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	for _, e := range entries {
		st.CriteriaBytes += e.CriteriaSize()
	}
	return st
}

func sortByFolder(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].FolderID < entries[j].FolderID })
}

// InScope reports whether folderID is directly part of the criteria scope.
func InScope(c *model.SearchCriteria, folderID uint32) bool {
	if c == nil {
		return false
	}
	for _, f := range c.Folders {
		if f == folderID {
			return true
		}
	}
	return false
}
