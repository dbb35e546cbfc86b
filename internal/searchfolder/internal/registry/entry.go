package registry

import (
	"sync"

	"github.com/syntrixbase/searchfolder/pkg/model"
	"go.mongodb.org/mongo-driver/bson"
)

// Entry is one registered search folder.
//
// Lock order: ops → apply → mu. ops serializes administrative calls on the
// folder. apply is held shared by the incremental processor while it writes
// result rows and exclusively for status transitions, so a folder never
// receives writes from both paths at once. mu guards the fields below.
type Entry struct {
	StoreID  uint32
	FolderID uint32

	ops   sync.Mutex
	apply sync.RWMutex

	mu           sync.Mutex
	status       model.Status
	criteria     *model.SearchCriteria
	criteriaSize int
	parked       []model.ChangeEvent
	maxParked    int
	droppedTotal int
}

// NewEntry creates an entry. maxParked bounds the events held back while
// the folder rebuilds; zero means unbounded.
func NewEntry(storeID, folderID uint32, c *model.SearchCriteria, status model.Status, maxParked int) *Entry {
	e := &Entry{
		StoreID:   storeID,
		FolderID:  folderID,
		status:    status,
		maxParked: maxParked,
	}
	e.setCriteriaLocked(c)
	return e
}

func (e *Entry) setCriteriaLocked(c *model.SearchCriteria) {
	e.criteria = c
	e.criteriaSize = 0
	if c != nil {
		if raw, err := bson.Marshal(c); err == nil {
			e.criteriaSize = len(raw)
		}
	}
}

// LockOps serializes administrative operations on the folder.
func (e *Entry) LockOps()   { e.ops.Lock() }
func (e *Entry) UnlockOps() { e.ops.Unlock() }

// Status returns the current status.
func (e *Entry) Status() model.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Criteria returns the current criteria. The value must not be mutated.
func (e *Entry) Criteria() *model.SearchCriteria {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.criteria
}

// Snapshot returns status and criteria together.
func (e *Entry) Snapshot() (model.Status, *model.SearchCriteria) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.criteria
}

// CriteriaSize is the encoded size of the criteria in bytes.
func (e *Entry) CriteriaSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.criteriaSize
}

// Transition changes the status, and the criteria when c is non-nil, while
// no incremental write for the folder is in flight. Events parked during a
// rebuild are returned when the folder leaves the rebuilding states, along
// with the number of events dropped from the bounded park list meanwhile.
// Both are discarded when the folder becomes Stopped.
func (e *Entry) Transition(status model.Status, c *model.SearchCriteria) (released []model.ChangeEvent, dropped int) {
	e.apply.Lock()
	defer e.apply.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	wasRebuilding := e.status.IsRebuilding()
	e.status = status
	if c != nil {
		e.setCriteriaLocked(c)
	}
	if wasRebuilding && !status.IsRebuilding() {
		released, dropped = e.parked, e.droppedTotal
		e.parked, e.droppedTotal = nil, 0
		if status == model.StatusStopped {
			return nil, 0
		}
	}
	return released, dropped
}

// Apply is the processor's view of the entry while it writes results.
type Apply struct {
	Status   model.Status
	Criteria *model.SearchCriteria
	entry    *Entry
}

// BeginApply takes the shared apply lock. The caller must call End.
func (e *Entry) BeginApply() *Apply {
	e.apply.RLock()
	status, c := e.Snapshot()
	return &Apply{Status: status, Criteria: c, entry: e}
}

// End releases the shared apply lock.
func (a *Apply) End() { a.entry.apply.RUnlock() }

// Park holds ev back until the running rebuild finishes. It reports false
// if the folder is no longer rebuilding, and the number of events dropped
// to stay within the bound.
func (e *Entry) Park(ev model.ChangeEvent) (parked bool, dropped int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.status.IsRebuilding() {
		return false, 0
	}
	e.parked = append(e.parked, ev)
	if e.maxParked > 0 && len(e.parked) > e.maxParked {
		dropped = len(e.parked) - e.maxParked
		e.parked = append(e.parked[:0:0], e.parked[dropped:]...)
		e.droppedTotal += dropped
	}
	return true, dropped
}

// ParkedLen returns the number of parked events.
func (e *Entry) ParkedLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.parked)
}
