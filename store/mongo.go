package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/policy"
)

// mongoRecord is the document layout of a quota record.
type mongoRecord struct {
	Key             string                 `bson:"_id"`
	PrincipalID     string                 `bson:"principal_id"`
	EndpointKey     string                 `bson:"endpoint_key"`
	Role            string                 `bson:"role"`
	Windows         map[string]mongoWindow `bson:"windows"`
	LastRequestAtMs int64                  `bson:"last_request_at_ms"`
	ExpiresAt       *time.Time             `bson:"expires_at,omitempty"`
	Version         int64                  `bson:"version"`
}

type mongoWindow struct {
	Anchor int64 `bson:"anchor"`
	Count  int64 `bson:"count"`
}

// MongoStore implements admission.Store and admission.Scanner over a MongoDB collection.
//
// Expiry is delegated to a TTL index on expires_at. The TTL monitor runs about
// once a minute, so documents past their expiry are also hidden on read.
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongo creates a MongoStore and ensures the collection indexes exist.
//
// Example:
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(url))
//	st, err := store.NewMongo(ctx, client.Database("admission").Collection("quota"))
func NewMongo(ctx context.Context, coll *mongo.Collection) (*MongoStore, error) {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: "last_request_at_ms", Value: 1}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create mongo indexes: %w", admission.ErrStoreUnavailable, err)
	}
	return &MongoStore{coll: coll, now: time.Now}, nil
}

// Get finds the document with _id key.
func (s *MongoStore) Get(ctx context.Context, key string) (*admission.Record, error) {
	var doc mongoRecord
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, admission.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: mongo find: %w", admission.ErrStoreUnavailable, err)
	}
	if doc.expired(s.now()) {
		return nil, admission.ErrRecordNotFound
	}
	return doc.record(), nil
}

// ConditionalPut inserts a new document for version 0, replacing an expired
// leftover if there is one, or replaces the document whose version matches.
func (s *MongoStore) ConditionalPut(ctx context.Context, rec *admission.Record, expectedVersion int64) error {
	doc := newMongoRecord(rec, expectedVersion+1)

	if expectedVersion == 0 {
		_, err := s.coll.InsertOne(ctx, doc)
		if err == nil {
			return nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: mongo insert: %w", admission.ErrStoreUnavailable, err)
		}
		return s.replace(ctx, bson.D{
			{Key: "_id", Value: rec.Key},
			{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: s.now()}}},
		}, doc)
	}

	return s.replace(ctx, bson.D{
		{Key: "_id", Value: rec.Key},
		{Key: "version", Value: expectedVersion},
	}, doc)
}

func (s *MongoStore) replace(ctx context.Context, filter bson.D, doc mongoRecord) error {
	res, err := s.coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("%w: mongo replace: %w", admission.ErrStoreUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return admission.ErrConflict
	}
	return nil
}

// Scan pushes ActiveSinceMs down as a range query on last_request_at_ms.
func (s *MongoStore) Scan(ctx context.Context, filter admission.ScanFilter) ([]admission.Record, error) {
	cur, err := s.coll.Find(ctx,
		bson.D{{Key: "last_request_at_ms", Value: bson.D{{Key: "$gte", Value: filter.ActiveSinceMs}}}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mongo find: %w", admission.ErrStoreUnavailable, err)
	}
	defer cur.Close(ctx)

	now := s.now()
	var out []admission.Record
	for cur.Next(ctx) {
		var doc mongoRecord
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode quota document: %w", err)
		}
		if doc.expired(now) {
			continue
		}
		rec := doc.record()
		if filter.Matches(rec) {
			out = append(out, *rec)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%w: mongo cursor: %w", admission.ErrStoreUnavailable, err)
	}
	return out, nil
}

// Ping checks the connection of the collection's client.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

func newMongoRecord(rec *admission.Record, version int64) mongoRecord {
	doc := mongoRecord{
		Key:             rec.Key,
		PrincipalID:     rec.PrincipalID,
		EndpointKey:     rec.EndpointKey,
		Role:            string(rec.Role),
		Windows:         make(map[string]mongoWindow, len(rec.Windows)),
		LastRequestAtMs: rec.LastRequestAtMs,
		Version:         version,
	}
	for kind, st := range rec.Windows {
		doc.Windows[string(kind)] = mongoWindow{Anchor: st.Anchor, Count: st.Count}
	}
	if rec.TTLEpochSeconds > 0 {
		exp := time.Unix(rec.TTLEpochSeconds, 0).UTC()
		doc.ExpiresAt = &exp
	}
	return doc
}

func (d mongoRecord) expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

func (d mongoRecord) record() *admission.Record {
	rec := &admission.Record{
		Key:             d.Key,
		PrincipalID:     d.PrincipalID,
		EndpointKey:     d.EndpointKey,
		Role:            policy.Role(d.Role),
		Windows:         make(map[policy.WindowKind]admission.WindowState, len(d.Windows)),
		LastRequestAtMs: d.LastRequestAtMs,
		Version:         d.Version,
	}
	for kind, w := range d.Windows {
		rec.Windows[policy.WindowKind(kind)] = admission.WindowState{Anchor: w.Anchor, Count: w.Count}
	}
	if d.ExpiresAt != nil {
		rec.TTLEpochSeconds = d.ExpiresAt.Unix()
	}
	return rec
}
