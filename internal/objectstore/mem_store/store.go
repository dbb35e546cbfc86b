// Package mem_store is an in-memory objectstore.Store used by tests and
// the demo server.
package mem_store

import (
	"context"
	"sort"
	"sync"

	"github.com/syntrixbase/searchfolder/internal/objectstore"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

type folder struct {
	parent    uint32
	hasParent bool
	search    bool
	children  map[uint32]struct{}
}

type message struct {
	folderID uint32
	props    map[model.PropTag]model.PropValue
}

type storeData struct {
	folders  map[uint32]*folder
	messages map[uint32]*message
}

// Store keeps folders and messages in maps guarded by one mutex.
type Store struct {
	mu     sync.RWMutex
	stores map[uint32]*storeData

	// Fault injection.
	failErr  error
	listHook func(ctx context.Context, storeID, folderID, after uint32)
}

// New creates an empty store.
func New() *Store {
	return &Store{stores: make(map[uint32]*storeData)}
}

var _ objectstore.Store = (*Store)(nil)

func (s *Store) data(storeID uint32) *storeData {
	d, ok := s.stores[storeID]
	if !ok {
		d = &storeData{folders: make(map[uint32]*folder), messages: make(map[uint32]*message)}
		s.stores[storeID] = d
	}
	return d
}

// AddFolder creates a folder. parentID 0 makes it a root folder.
func (s *Store) AddFolder(storeID, folderID, parentID uint32, search bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.data(storeID)
	f := &folder{parent: parentID, hasParent: parentID != 0, search: search, children: make(map[uint32]struct{})}
	if old, ok := d.folders[folderID]; ok {
		f.children = old.children
	}
	d.folders[folderID] = f
	if parentID != 0 {
		p, ok := d.folders[parentID]
		if !ok {
			p = &folder{children: make(map[uint32]struct{})}
			d.folders[parentID] = p
		}
		p.children[folderID] = struct{}{}
	}
}

// PutMessage creates or replaces a message, moving it into folderID.
func (s *Store) PutMessage(storeID, folderID, objectID uint32, props ...model.PropValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &message{folderID: folderID, props: make(map[model.PropTag]model.PropValue, len(props))}
	for _, p := range props {
		m.props[p.Tag] = p
	}
	s.data(storeID).messages[objectID] = m
}

// SetProps updates properties of an existing message. It reports false if
// the message does not exist.
func (s *Store) SetProps(storeID, objectID uint32, props ...model.PropValue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data(storeID).messages[objectID]
	if !ok {
		return false
	}
	for _, p := range props {
		m.props[p.Tag] = p
	}
	return true
}

// MoveMessage changes the folder of a message and returns the old folder.
func (s *Store) MoveMessage(storeID, objectID, folderID uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data(storeID).messages[objectID]
	if !ok {
		return 0, false
	}
	old := m.folderID
	m.folderID = folderID
	return old, true
}

// DeleteMessage removes a message and returns the folder it was in.
func (s *Store) DeleteMessage(storeID, objectID uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.data(storeID)
	m, ok := d.messages[objectID]
	if !ok {
		return 0, false
	}
	delete(d.messages, objectID)
	return m.folderID, true
}

// FolderOf returns the folder a message lives in.
func (s *Store) FolderOf(storeID, objectID uint32) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.stores[storeID]
	if !ok {
		return 0, false
	}
	m, ok := d.messages[objectID]
	if !ok {
		return 0, false
	}
	return m.folderID, true
}

// SetFailure makes every read fail with err until cleared with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// SetListHook installs fn to run at the start of every ListMessages call,
// outside the store lock. fn receives the caller's context.
func (s *Store) SetListHook(fn func(ctx context.Context, storeID, folderID, after uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listHook = fn
}

func (s *Store) ListSearchFolders(ctx context.Context) ([]model.FolderRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	var out []model.FolderRef
	for storeID, d := range s.stores {
		for folderID, f := range d.folders {
			if f.search {
				out = append(out, model.FolderRef{StoreID: storeID, FolderID: folderID})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StoreID != out[j].StoreID {
			return out[i].StoreID < out[j].StoreID
		}
		return out[i].FolderID < out[j].FolderID
	})
	return out, nil
}

func (s *Store) ChildFolders(ctx context.Context, storeID, folderID uint32) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	d, ok := s.stores[storeID]
	if !ok {
		return nil, nil
	}
	f, ok := d.folders[folderID]
	if !ok {
		return nil, nil
	}
	out := make([]uint32, 0, len(f.children))
	for c := range f.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ParentFolder(ctx context.Context, storeID, folderID uint32) (uint32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return 0, false, s.failErr
	}

	d, ok := s.stores[storeID]
	if !ok {
		return 0, false, nil
	}
	f, ok := d.folders[folderID]
	if !ok || !f.hasParent {
		return 0, false, nil
	}
	return f.parent, true, nil
}

func (s *Store) ListMessages(ctx context.Context, storeID, folderID, after uint32, limit int) ([]uint32, error) {
	s.mu.RLock()
	hook := s.listHook
	s.mu.RUnlock()
	if hook != nil {
		hook(ctx, storeID, folderID, after)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	d, ok := s.stores[storeID]
	if !ok {
		return nil, nil
	}
	var ids []uint32
	for id, m := range d.messages {
		if m.folderID == folderID && id > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) GetProperties(ctx context.Context, storeID uint32, objectIDs []uint32, tags []model.PropTag) ([]model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	d, ok := s.stores[storeID]
	if !ok {
		return nil, nil
	}
	rows := make([]model.Row, 0, len(objectIDs))
	for _, id := range objectIDs {
		m, ok := d.messages[id]
		if !ok {
			continue
		}
		rows = append(rows, objectstore.Project(id, m.props, tags))
	}
	return rows, nil
}
