package model

import (
	"fmt"
	"slices"
)

// SearchFlags are the flags passed with search criteria.
type SearchFlags uint32

const (
	SearchStop       SearchFlags = 0x00000001
	SearchRestart    SearchFlags = 0x00000002
	SearchRecursive  SearchFlags = 0x00000004
	SearchShallow    SearchFlags = 0x00000008
	SearchForeground SearchFlags = 0x00000010
	SearchBackground SearchFlags = 0x00000020
)

// Has reports whether f carries flag.
func (f SearchFlags) Has(flag SearchFlags) bool { return f&flag != 0 }

// SearchCriteria defines a search folder: a restriction and the folders it
// searches. Criteria are treated as immutable once attached to a folder.
type SearchCriteria struct {
	Restriction *Restriction `bson:"restriction,omitempty" json:"restriction,omitempty"`
	Folders     []uint32     `bson:"folders" json:"folders"`
	Flags       SearchFlags  `bson:"flags" json:"flags"`
}

// Recursive reports whether subfolders of the scope are searched too.
func (c *SearchCriteria) Recursive() bool {
	return c.Flags.Has(SearchRecursive) && !c.Flags.Has(SearchShallow)
}

// Validate checks the criteria before they are stored.
func (c *SearchCriteria) Validate() error {
	if len(c.Folders) == 0 {
		return fmt.Errorf("%w: search criteria without folders", ErrInvalidArgument)
	}
	if c.Restriction != nil {
		return c.Restriction.Validate()
	}
	return nil
}

// Clone returns a deep enough copy for handing criteria across goroutines.
// The restriction tree is shared since it is never mutated after Set.
func (c *SearchCriteria) Clone() *SearchCriteria {
	if c == nil {
		return nil
	}
	out := *c
	out.Folders = slices.Clone(c.Folders)
	return &out
}

// Status is the lifecycle status of a search folder.
type Status int

const (
	StatusStopped Status = iota
	StatusActive
	StatusRebuilding
	StatusRebuildingIncomplete
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusActive:
		return "active"
	case StatusRebuilding:
		return "rebuilding"
	case StatusRebuildingIncomplete:
		return "rebuilding-incomplete"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsRebuilding reports whether incremental updates must be held back.
func (s Status) IsRebuilding() bool {
	return s == StatusRebuilding || s == StatusRebuildingIncomplete
}

// State is the externally reported search state bitmask.
type State uint32

const (
	StateRunning State = 0x1
	StateRebuild State = 0x2
)

// StateOf maps a status to the reported bitmask.
func StateOf(s Status) State {
	switch s {
	case StatusActive:
		return StateRunning
	case StatusRebuilding, StatusRebuildingIncomplete:
		return StateRunning | StateRebuild
	}
	return 0
}

// ChangeKind is the kind of an object change.
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota + 1
	ChangeModify
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeModify:
		return "modify"
	case ChangeDelete:
		return "delete"
	}
	return fmt.Sprintf("change(%d)", int(k))
}

// ChangeEvent reports a committed change to a message.
type ChangeEvent struct {
	StoreID  uint32
	FolderID uint32
	ObjectID uint32
	Kind     ChangeKind
}

// Result is one persisted search folder member.
type Result struct {
	ObjectID uint32
	Flags    uint32
}

// Unread reports whether the member counts as unread.
func (r Result) Unread() bool { return r.Flags&MsgFlagRead == 0 }

// FolderRef identifies a folder within a store.
type FolderRef struct {
	StoreID  uint32 `bson:"store_id" json:"store_id"`
	FolderID uint32 `bson:"_id" json:"folder_id"`
}

// Stats summarizes the search folder subsystem.
type Stats struct {
	Stores     int    `json:"stores"`
	Folders    int    `json:"folders"`
	Events     int    `json:"events"`
	TotalBytes uint64 `json:"total_bytes"`
}
