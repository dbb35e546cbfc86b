package model

import "fmt"

// NotificationKind is the kind of a search folder notification.
type NotificationKind int

const (
	NotifyRowAdd NotificationKind = iota + 1
	NotifyRowModify
	NotifyRowDelete
	NotifyFolderCounts
	NotifySearchComplete
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyRowAdd:
		return "row_add"
	case NotifyRowModify:
		return "row_modify"
	case NotifyRowDelete:
		return "row_delete"
	case NotifyFolderCounts:
		return "folder_counts"
	case NotifySearchComplete:
		return "search_complete"
	}
	return fmt.Sprintf("notification(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k NotificationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Notification is emitted towards table listeners when a search folder's
// contents change.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	StoreID  uint32           `json:"store_id"`
	FolderID uint32           `json:"folder_id"`
	ObjectID uint32           `json:"object_id,omitempty"`
	Flags    uint32           `json:"flags,omitempty"`
	Count    uint32           `json:"count,omitempty"`
	Unread   uint32           `json:"unread,omitempty"`
}
