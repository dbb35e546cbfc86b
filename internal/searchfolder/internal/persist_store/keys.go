package persist_store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/syntrixbase/searchfolder/pkg/model"
	"go.mongodb.org/mongo-driver/bson"
)

// Key prefixes. Store, folder and object ids are 4-byte big-endian so that
// prefix scans return them in numeric order.
const (
	prefixCrit = "crit/" // crit/{store}{folder} → checksum || bson(criteria)
	prefixStat = "stat/" // stat/{store}{folder} → status
	prefixRes  = "res/"  // res/{store}{folder}/{object} → flags
	prefixCnt  = "cnt/"  // cnt/{store}{folder} → count || unread
)

// Persisted status values. An interrupted rebuild and a running one look the
// same on disk: both are "rebuild".
const (
	statusRunning = "running"
	statusRebuild = "rebuild"
	statusStopped = "stopped"
)

const checksumLen = 8

func appendID(b []byte, id uint32) []byte {
	return binary.BigEndian.AppendUint32(b, id)
}

// folderKey builds {prefix}{store}{folder}.
func folderKey(prefix string, storeID, folderID uint32) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	key = appendID(key, storeID)
	return appendID(key, folderID)
}

// storeKeyPrefix builds {prefix}{store}.
func storeKeyPrefix(prefix string, storeID uint32) []byte {
	key := make([]byte, 0, len(prefix)+4)
	key = append(key, prefix...)
	return appendID(key, storeID)
}

// resultKeyPrefix builds res/{store}{folder}/.
func resultKeyPrefix(storeID, folderID uint32) []byte {
	return append(folderKey(prefixRes, storeID, folderID), '/')
}

// resultKey builds res/{store}{folder}/{object}.
func resultKey(storeID, folderID, objectID uint32) []byte {
	return appendID(resultKeyPrefix(storeID, folderID), objectID)
}

// parseFolderKey extracts (store, folder) from a key built by folderKey.
func parseFolderKey(key []byte, prefix string) (storeID, folderID uint32, ok bool) {
	if len(key) != len(prefix)+8 {
		return 0, 0, false
	}
	rest := key[len(prefix):]
	return binary.BigEndian.Uint32(rest), binary.BigEndian.Uint32(rest[4:]), true
}

// parseResultKey extracts the object id from a result key.
func parseResultKey(key, prefix []byte) (uint32, bool) {
	if len(key) != len(prefix)+4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(key[len(prefix):]), true
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func encodeCriteria(c *model.SearchCriteria) ([]byte, error) {
	raw, err := bson.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal criteria: %w", err)
	}
	out := make([]byte, checksumLen, checksumLen+len(raw))
	binary.BigEndian.PutUint64(out, xxhash.Sum64(raw))
	return append(out, raw...), nil
}

func decodeCriteria(value []byte) (*model.SearchCriteria, error) {
	if len(value) < checksumLen {
		return nil, fmt.Errorf("%w: criteria row too short (%d bytes)", model.ErrCorrupt, len(value))
	}
	raw := value[checksumLen:]
	if binary.BigEndian.Uint64(value) != xxhash.Sum64(raw) {
		return nil, fmt.Errorf("%w: criteria checksum mismatch", model.ErrCorrupt)
	}
	var c model.SearchCriteria
	if err := bson.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorrupt, err)
	}
	if err := c.Validate(); err != nil {
		if errors.Is(err, model.ErrCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrCorrupt, err)
	}
	return &c, nil
}

func encodeStatus(s model.Status) []byte {
	switch s {
	case model.StatusActive:
		return []byte(statusRunning)
	case model.StatusStopped:
		return []byte(statusStopped)
	}
	return []byte(statusRebuild)
}

func decodeStatus(value []byte) (model.Status, error) {
	switch string(value) {
	case statusRunning:
		return model.StatusActive, nil
	case statusRebuild:
		return model.StatusRebuildingIncomplete, nil
	case statusStopped:
		return model.StatusStopped, nil
	}
	return 0, fmt.Errorf("%w: unknown status %q", model.ErrCorrupt, value)
}

func encodeCounts(count, unread uint32) []byte {
	b := make([]byte, 0, 8)
	b = binary.BigEndian.AppendUint32(b, count)
	return binary.BigEndian.AppendUint32(b, unread)
}

func decodeCounts(value []byte) (count, unread uint32, err error) {
	if len(value) != 8 {
		return 0, 0, fmt.Errorf("%w: count row has %d bytes", model.ErrCorrupt, len(value))
	}
	return binary.BigEndian.Uint32(value), binary.BigEndian.Uint32(value[4:]), nil
}

func encodeFlags(flags uint32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), flags)
}

func decodeFlags(value []byte) (uint32, error) {
	if len(value) != 4 {
		return 0, fmt.Errorf("%w: result row has %d bytes", model.ErrCorrupt, len(value))
	}
	return binary.BigEndian.Uint32(value), nil
}
