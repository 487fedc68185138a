// Package mongostore implements docstore.Store on MongoDB.
//
// Document ids are stored in _id and exposed as "id". Live queries are built on
// change streams, which require a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rentdesk/messaging/internal/docstore"
	b "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultDatabase = "rentdesk"
	connectTimeout  = 10 * time.Second
)

type Store struct {
	client *mdb.Client
	db     *mdb.Database
}

// Open connects to uri and verifies the connection.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = defaultDatabase
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mdb.Connect(ctx, mdbopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// EnsureIndexes creates the indexes the messaging queries rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mdb.IndexModel{
		"conversations": {
			{Keys: b.D{{Key: "participantIds", Value: 1}, {Key: "lastMessageTime", Value: -1}}},
		},
		"messages": {
			{Keys: b.D{{Key: "conversationId", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: b.D{{Key: "conversationId", Value: 1}, {Key: "read", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongostore: create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) Create(ctx context.Context, collection string, doc docstore.Document) (string, error) {
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
	}
	rec := toBson(doc)
	delete(rec, docstore.IDField)
	rec["_id"] = id

	if _, err := s.db.Collection(collection).InsertOne(ctx, rec); err != nil {
		if isDuplicateErr(err) {
			return "", fmt.Errorf("mongostore: %s/%s: %w", collection, id, docstore.ErrAlreadyExists)
		}
		return "", unavailable(err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var rec b.M
	err := s.db.Collection(collection).FindOne(ctx, b.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mdb.ErrNoDocuments) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return fromBson(rec), nil
}

func (s *Store) UpdateFields(ctx context.Context, collection, id string, fields docstore.Fields) error {
	update := buildUpdate(fields)
	if len(update) == 0 {
		return nil
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, b.M{"_id": id}, update)
	if err != nil {
		return unavailable(err)
	}
	if res.MatchedCount == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, b.M{"_id": id}); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) BatchDelete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Collection(collection).DeleteMany(ctx, b.M{"_id": b.M{"$in": ids}}); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	findOpts := mdbopts.Find()
	if len(q.OrderBy) > 0 {
		findOpts.SetSort(buildSort(q.OrderBy))
	}
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}

	cur, err := s.db.Collection(collection).Find(ctx, buildFilter(q.Filters), findOpts)
	if err != nil {
		return nil, unavailable(err)
	}
	defer cur.Close(ctx)
	return decodeAll(ctx, collection, cur)
}

// cursor is the part of *mongo.Cursor that decodeAll reads.
type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
}

func decodeAll(ctx context.Context, collection string, cur cursor) ([]docstore.Document, error) {
	var docs []docstore.Document
	for cur.Next(ctx) {
		var rec b.M
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collection, unavailable(err))
		}
		docs = append(docs, fromBson(rec))
	}
	if err := cur.Err(); err != nil {
		return nil, unavailable(err)
	}
	return docs, nil
}

func buildFilter(filters []docstore.Filter) b.M {
	if len(filters) == 0 {
		return b.M{}
	}
	clauses := make(b.A, 0, len(filters))
	for _, f := range filters {
		field := fieldName(f.Field)
		switch f.Op {
		case docstore.OpNotEqual:
			clauses = append(clauses, b.M{field: b.M{"$ne": f.Value}})
		default:
			// Equality on an array field matches any element, which is exactly array-contains.
			clauses = append(clauses, b.M{field: f.Value})
		}
	}
	if len(clauses) == 1 {
		return clauses[0].(b.M)
	}
	return b.M{"$and": clauses}
}

func buildSort(orders []docstore.Order) b.D {
	sort := make(b.D, 0, len(orders))
	for _, o := range orders {
		dir := 1
		if o.Desc {
			dir = -1
		}
		sort = append(sort, b.E{Key: fieldName(o.Field), Value: dir})
	}
	return sort
}

func buildUpdate(fields docstore.Fields) b.M {
	set, unset := b.M{}, b.M{}
	addToSet, pull, push := b.M{}, b.M{}, b.M{}

	for key, val := range fields {
		if key == docstore.IDField {
			continue
		}
		switch op := val.(type) {
		case docstore.DeleteOp:
			unset[key] = ""
		case docstore.ArrayUnionOp:
			addToSet[key] = b.M{"$each": toBsonArray(op.Values)}
		case docstore.ArrayRemoveOp:
			pull[key] = b.M{"$in": toBsonArray(op.Values)}
		case docstore.AppendOp:
			push[key] = b.M{"$each": toBsonArray(op.Values)}
		default:
			set[key] = toBsonValue(val)
		}
	}

	update := b.M{}
	for name, part := range map[string]b.M{"$set": set, "$unset": unset, "$addToSet": addToSet, "$pull": pull, "$push": push} {
		if len(part) > 0 {
			update[name] = part
		}
	}
	return update
}

func fieldName(f string) string {
	if f == docstore.IDField {
		return "_id"
	}
	return f
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
}

func isDuplicateErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key error")
}

func toBson(doc docstore.Document) b.M {
	out := make(b.M, len(doc))
	for k, v := range doc {
		out[k] = toBsonValue(v)
	}
	return out
}

func toBsonArray(vals []any) b.A {
	out := make(b.A, len(vals))
	for i, v := range vals {
		out[i] = toBsonValue(v)
	}
	return out
}

func toBsonValue(v any) any {
	switch t := v.(type) {
	case docstore.Document:
		return toBson(t)
	case map[string]any:
		return toBson(t)
	case []any, []docstore.Document, []map[string]any:
		return toBsonArray(docstore.ToSlice(t))
	}
	return v
}

// fromBson converts driver-decoded values back to the shapes docstore accessors expect.
func fromBson(rec b.M) docstore.Document {
	doc := make(docstore.Document, len(rec))
	for k, v := range rec {
		if k == "_id" {
			doc[docstore.IDField] = v
			continue
		}
		doc[k] = fromBsonValue(v)
	}
	return doc
}

func fromBsonValue(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBsonValue(e)
		}
		return out
	case b.M:
		return fromBson(t)
	case b.D:
		return fromBson(t.Map())
	case int32:
		return int(t)
	case int64:
		return int(t)
	}
	return v
}
