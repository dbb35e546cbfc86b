// Package mongo reads the folder hierarchy and message properties from
// MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntrixbase/searchfolder/internal/objectstore"
	"github.com/syntrixbase/searchfolder/pkg/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config configures the MongoDB object store.
type Config struct {
	URI               string `yaml:"uri"`
	Database          string `yaml:"database"`
	FolderCollection  string `yaml:"folder_collection"`
	MessageCollection string `yaml:"message_collection"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URI:               "mongodb://localhost:27017",
		Database:          "groupware",
		FolderCollection:  "folders",
		MessageCollection: "messages",
	}
}

// FolderDoc is one node of the folder hierarchy.
type FolderDoc struct {
	ID       string `bson:"_id"`
	StoreID  uint32 `bson:"store_id"`
	FolderID uint32 `bson:"folder_id"`
	ParentID uint32 `bson:"parent_id,omitempty"`
	Search   bool   `bson:"search,omitempty"`
}

// MessageDoc is one message with its properties.
type MessageDoc struct {
	ID       string            `bson:"_id"`
	StoreID  uint32            `bson:"store_id"`
	ObjectID uint32            `bson:"object_id"`
	FolderID uint32            `bson:"folder_id"`
	Props    []model.PropValue `bson:"props"`
}

// DocID builds the _id used by both collections.
func DocID(storeID, id uint32) string {
	return fmt.Sprintf("%d:%d", storeID, id)
}

type objectStore struct {
	client   *mongo.Client
	folders  *mongo.Collection
	messages *mongo.Collection
}

var _ objectstore.Store = (*objectStore)(nil)

// NewObjectStore wraps an existing database.
func NewObjectStore(client *mongo.Client, db *mongo.Database, cfg Config) objectstore.Store {
	return &objectStore{
		client:   client,
		folders:  db.Collection(cfg.FolderCollection),
		messages: db.Collection(cfg.MessageCollection),
	}
}

// Connect opens a client, verifies it with a ping and ensures indexes.
func Connect(ctx context.Context, cfg Config) (objectstore.Store, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, nil, err
	}
	s := NewObjectStore(client, client.Database(cfg.Database), cfg).(*objectStore)
	if err := s.EnsureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, nil, err
	}
	return s, client.Disconnect, nil
}

// EnsureIndexes creates the indexes used by the hierarchy and paging queries.
func (s *objectStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.folders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "store_id", Value: 1}, {Key: "parent_id", Value: 1}}},
		{Keys: bson.D{{Key: "search", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create folder indexes: %w", err)
	}
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "store_id", Value: 1}, {Key: "folder_id", Value: 1}, {Key: "object_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

func (s *objectStore) ListSearchFolders(ctx context.Context) ([]model.FolderRef, error) {
	opts := options.Find().SetSort(bson.D{{Key: "store_id", Value: 1}, {Key: "folder_id", Value: 1}})
	cursor, err := s.folders.Find(ctx, bson.M{"search": true}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []model.FolderRef
	for cursor.Next(ctx) {
		var doc FolderDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, model.FolderRef{StoreID: doc.StoreID, FolderID: doc.FolderID})
	}
	return out, cursor.Err()
}

func (s *objectStore) ChildFolders(ctx context.Context, storeID, folderID uint32) ([]uint32, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "folder_id", Value: 1}}).
		SetProjection(bson.M{"folder_id": 1})
	cursor, err := s.folders.Find(ctx, bson.M{"store_id": storeID, "parent_id": folderID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []uint32
	for cursor.Next(ctx) {
		var doc FolderDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.FolderID)
	}
	return out, cursor.Err()
}

func (s *objectStore) ParentFolder(ctx context.Context, storeID, folderID uint32) (uint32, bool, error) {
	var doc FolderDoc
	err := s.folders.FindOne(ctx, bson.M{"_id": DocID(storeID, folderID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return doc.ParentID, doc.ParentID != 0, nil
}

func (s *objectStore) ListMessages(ctx context.Context, storeID, folderID, after uint32, limit int) ([]uint32, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "object_id", Value: 1}}).
		SetProjection(bson.M{"object_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.M{
		"store_id":  storeID,
		"folder_id": folderID,
		"object_id": bson.M{"$gt": after},
	}
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []uint32
	for cursor.Next(ctx) {
		var doc MessageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.ObjectID)
	}
	return out, cursor.Err()
}

func (s *objectStore) GetProperties(ctx context.Context, storeID uint32, objectIDs []uint32, tags []model.PropTag) ([]model.Row, error) {
	if len(objectIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(objectIDs))
	for i, id := range objectIDs {
		ids[i] = DocID(storeID, id)
	}
	cursor, err := s.messages.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	byID := make(map[uint32]model.Row, len(objectIDs))
	for cursor.Next(ctx) {
		var doc MessageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		props := make(map[model.PropTag]model.PropValue, len(doc.Props))
		for _, p := range doc.Props {
			props[p.Tag] = p
		}
		byID[doc.ObjectID] = objectstore.Project(doc.ObjectID, props, tags)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	// Keep the caller's order.
	rows := make([]model.Row, 0, len(byID))
	for _, id := range objectIDs {
		if row, ok := byID[id]; ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
