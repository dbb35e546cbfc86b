package persist_store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

// Config configures the PebbleStore.
type Config struct {
	// Path is the directory holding the database.
	Path string `yaml:"path"`

	// BlockCacheSize is the size of the block cache in bytes.
	BlockCacheSize int64 `yaml:"block_cache_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Path:           "data/searchfolder/results.db",
		BlockCacheSize: 32 * 1024 * 1024, // 32MB
	}
}

// PebbleStore persists search folder criteria, status, membership and
// counts. It does not serialize writers: callers guarantee that only one
// path writes a given folder's rows at a time.
type PebbleStore struct {
	db     DB
	logger *slog.Logger
}

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*PebbleStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	cacheSize := cfg.BlockCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultConfig().BlockCacheSize
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	db, err := pebble.Open(cfg.Path, &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{FilterPolicy: bloom.FilterPolicy(10)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return New(&PebbleDB{db: db}, logger), nil
}

// New wraps an already opened DB.
func New(db DB, logger *slog.Logger) *PebbleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PebbleStore{db: db, logger: logger.With("component", "searchfolder-store")}
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	return nil
}

// get copies out the value for key. Missing keys return model.ErrNotFound.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *PebbleStore) commit(batch Batch) error {
	if err := batch.Commit(pebble.Sync); err != nil {
		batch.Close()
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return batch.Close()
}

// SaveCriteria stores the criteria row of a search folder.
func (s *PebbleStore) SaveCriteria(storeID, folderID uint32, c *model.SearchCriteria) error {
	value, err := encodeCriteria(c)
	if err != nil {
		return err
	}
	if err := s.db.Set(folderKey(prefixCrit, storeID, folderID), value, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return nil
}

// LoadCriteria reads the criteria row. A missing row is model.ErrNotFound,
// an undecodable one model.ErrCorrupt.
func (s *PebbleStore) LoadCriteria(storeID, folderID uint32) (*model.SearchCriteria, error) {
	value, err := s.get(folderKey(prefixCrit, storeID, folderID))
	if err != nil {
		return nil, err
	}
	c, err := decodeCriteria(value)
	if err != nil {
		return nil, fmt.Errorf("folder %d/%d: %w", storeID, folderID, err)
	}
	return c, nil
}

// SetStatus persists the folder status.
func (s *PebbleStore) SetStatus(storeID, folderID uint32, status model.Status) error {
	if err := s.db.Set(folderKey(prefixStat, storeID, folderID), encodeStatus(status), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return nil
}

// GetStatus reads the folder status. A folder with criteria but no status
// row was never rebuilt and reports StatusRebuildingIncomplete.
func (s *PebbleStore) GetStatus(storeID, folderID uint32) (model.Status, error) {
	value, err := s.get(folderKey(prefixStat, storeID, folderID))
	if errors.Is(err, model.ErrNotFound) {
		return model.StatusRebuildingIncomplete, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeStatus(value)
}

// ResetResults deletes every membership row and the counts of a folder.
func (s *PebbleStore) ResetResults(storeID, folderID uint32) error {
	prefix := resultKeyPrefix(storeID, folderID)
	batch := s.db.NewBatch()
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		batch.Close()
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if err := batch.Delete(folderKey(prefixCnt, storeID, folderID), nil); err != nil {
		batch.Close()
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return s.commit(batch)
}

// Counts returns the member count and unread count of a folder.
func (s *PebbleStore) Counts(storeID, folderID uint32) (count, unread uint32, err error) {
	value, err := s.get(folderKey(prefixCnt, storeID, folderID))
	if errors.Is(err, model.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return decodeCounts(value)
}

// resultFlags reads one membership row.
func (s *PebbleStore) resultFlags(storeID, folderID, objectID uint32) (uint32, bool, error) {
	value, err := s.get(resultKey(storeID, folderID, objectID))
	if errors.Is(err, model.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	flags, err := decodeFlags(value)
	return flags, err == nil, err
}

func applyDelta(count, unread uint32, dCount, dUnread int) (uint32, uint32) {
	c := int64(count) + int64(dCount)
	u := int64(unread) + int64(dUnread)
	if c < 0 {
		c = 0
	}
	if u < 0 {
		u = 0
	}
	return uint32(c), uint32(u)
}

func unreadOf(flags uint32) int {
	if flags&model.MsgFlagRead == 0 {
		return 1
	}
	return 0
}

// AddResult upserts one membership row and adjusts the folder counts in the
// same batch. It reports whether the row was new and, if not, its previous
// flags.
func (s *PebbleStore) AddResult(storeID, folderID, objectID, flags uint32) (inserted bool, prevFlags uint32, err error) {
	prev, existed, err := s.resultFlags(storeID, folderID, objectID)
	if err != nil {
		return false, 0, err
	}
	count, unread, err := s.Counts(storeID, folderID)
	if err != nil {
		return false, 0, err
	}
	if existed {
		count, unread = applyDelta(count, unread, 0, unreadOf(flags)-unreadOf(prev))
	} else {
		count, unread = applyDelta(count, unread, 1, unreadOf(flags))
	}

	batch := s.db.NewBatch()
	if err := batch.Set(resultKey(storeID, folderID, objectID), encodeFlags(flags), nil); err != nil {
		batch.Close()
		return false, 0, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if err := batch.Set(folderKey(prefixCnt, storeID, folderID), encodeCounts(count, unread), nil); err != nil {
		batch.Close()
		return false, 0, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if err := s.commit(batch); err != nil {
		return false, 0, err
	}
	return !existed, prev, nil
}

// AddResults upserts a chunk of membership rows in one batch. It is used by
// rebuilds after ResetResults, so duplicates within the chunk are the only
// overlap it accounts for; rows already on disk are checked individually.
func (s *PebbleStore) AddResults(storeID, folderID uint32, results []model.Result) (added int, err error) {
	if len(results) == 0 {
		return 0, nil
	}
	count, unread, err := s.Counts(storeID, folderID)
	if err != nil {
		return 0, err
	}

	seen := make(map[uint32]uint32, len(results))
	batch := s.db.NewBatch()
	for _, r := range results {
		prev, existed := seen[r.ObjectID]
		if !existed {
			prev, existed, err = s.resultFlags(storeID, folderID, r.ObjectID)
			if err != nil {
				batch.Close()
				return 0, err
			}
		}
		if existed {
			count, unread = applyDelta(count, unread, 0, unreadOf(r.Flags)-unreadOf(prev))
		} else {
			count, unread = applyDelta(count, unread, 1, unreadOf(r.Flags))
			added++
		}
		seen[r.ObjectID] = r.Flags
		if err := batch.Set(resultKey(storeID, folderID, r.ObjectID), encodeFlags(r.Flags), nil); err != nil {
			batch.Close()
			return 0, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
		}
	}
	if err := batch.Set(folderKey(prefixCnt, storeID, folderID), encodeCounts(count, unread), nil); err != nil {
		batch.Close()
		return 0, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if err := s.commit(batch); err != nil {
		return 0, err
	}
	return added, nil
}

// DeleteResult removes one membership row. It reports the flags the row had
// and whether it existed; deleting a missing row is not an error.
func (s *PebbleStore) DeleteResult(storeID, folderID, objectID uint32) (flags uint32, existed bool, err error) {
	flags, existed, err = s.resultFlags(storeID, folderID, objectID)
	if err != nil || !existed {
		return 0, false, err
	}
	count, unread, err := s.Counts(storeID, folderID)
	if err != nil {
		return 0, false, err
	}
	count, unread = applyDelta(count, unread, -1, -unreadOf(flags))

	batch := s.db.NewBatch()
	if err := batch.Delete(resultKey(storeID, folderID, objectID), nil); err != nil {
		batch.Close()
		return 0, false, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if err := batch.Set(folderKey(prefixCnt, storeID, folderID), encodeCounts(count, unread), nil); err != nil {
		batch.Close()
		return 0, false, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if err := s.commit(batch); err != nil {
		return 0, false, err
	}
	return flags, true, nil
}

// Results returns the member object ids in ascending order.
func (s *PebbleStore) Results(storeID, folderID uint32) ([]uint32, error) {
	var ids []uint32
	err := s.scanResults(storeID, folderID, func(objectID, _ uint32) {
		ids = append(ids, objectID)
	})
	return ids, err
}

// ResultFlags returns every member with its flags.
func (s *PebbleStore) ResultFlags(storeID, folderID uint32) (map[uint32]uint32, error) {
	out := make(map[uint32]uint32)
	err := s.scanResults(storeID, folderID, func(objectID, flags uint32) {
		out[objectID] = flags
	})
	return out, err
}

func (s *PebbleStore) scanResults(storeID, folderID uint32, fn func(objectID, flags uint32)) error {
	prefix := resultKeyPrefix(storeID, folderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		objectID, ok := parseResultKey(iter.Key(), prefix)
		if !ok {
			s.logger.Warn("skipping malformed result key", "storeID", storeID, "folderID", folderID)
			continue
		}
		flags, err := decodeFlags(iter.Value())
		if err != nil {
			return err
		}
		fn(objectID, flags)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return nil
}

// ListFolders returns the folders of one store that have a criteria row.
func (s *PebbleStore) ListFolders(storeID uint32) ([]model.FolderRef, error) {
	return s.listFolders(storeKeyPrefix(prefixCrit, storeID))
}

// ListAllFolders returns every folder with a criteria row across all stores.
func (s *PebbleStore) ListAllFolders() ([]model.FolderRef, error) {
	return s.listFolders([]byte(prefixCrit))
}

func (s *PebbleStore) listFolders(prefix []byte) ([]model.FolderRef, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	defer iter.Close()

	var out []model.FolderRef
	for iter.First(); iter.Valid(); iter.Next() {
		st, f, ok := parseFolderKey(iter.Key(), prefixCrit)
		if !ok {
			continue
		}
		out = append(out, model.FolderRef{StoreID: st, FolderID: f})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return out, nil
}

// RemoveFolder deletes all rows of a folder in one batch.
func (s *PebbleStore) RemoveFolder(storeID, folderID uint32) error {
	prefix := resultKeyPrefix(storeID, folderID)
	batch := s.db.NewBatch()
	for _, key := range [][]byte{
		folderKey(prefixCrit, storeID, folderID),
		folderKey(prefixStat, storeID, folderID),
		folderKey(prefixCnt, storeID, folderID),
	} {
		if err := batch.Delete(key, nil); err != nil {
			batch.Close()
			return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
		}
	}
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		batch.Close()
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return s.commit(batch)
}
