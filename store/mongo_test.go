package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/policy"
)

func setupMongo(t *testing.T) *MongoStore {
	t.Helper()

	url := os.Getenv("ADMISSION_TEST_MONGODB_URL")
	if url == "" {
		t.Skip("ADMISSION_TEST_MONGODB_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(url))
	require.NoError(t, err)
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("mongodb not reachable: %v", err)
	}

	db := client.Database("admission_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	s, err := NewMongo(ctx, db.Collection("quota"))
	require.NoError(t, err)
	return s
}

func TestMongoStore_ConditionalPut(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("u1", "POST:/media/upload", now.UnixMilli(), now.Add(time.Hour).Unix())

	_, err := s.Get(ctx, rec.Key)
	require.ErrorIs(t, err, admission.ErrRecordNotFound)

	require.NoError(t, s.ConditionalPut(ctx, rec, 0))
	assert.ErrorIs(t, s.ConditionalPut(ctx, rec, 0), admission.ErrConflict)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, rec.Windows, got.Windows)
	assert.Equal(t, rec.TTLEpochSeconds, got.TTLEpochSeconds)
	assert.Equal(t, policy.RoleUser, got.Role)

	assert.ErrorIs(t, s.ConditionalPut(ctx, got, 5), admission.ErrConflict)
	require.NoError(t, s.ConditionalPut(ctx, got, 1))
}

func TestMongoStore_ExpiredRecordIsReplaced(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("u2", "GET:/search", now.UnixMilli(), now.Add(-time.Minute).Unix())
	require.NoError(t, s.ConditionalPut(ctx, rec, 0))

	_, err := s.Get(ctx, rec.Key)
	require.ErrorIs(t, err, admission.ErrRecordNotFound)

	rec.TTLEpochSeconds = now.Add(time.Hour).Unix()
	require.NoError(t, s.ConditionalPut(ctx, rec, 0))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestMongoStore_Scan(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()
	now := time.Now()
	ttl := now.Add(time.Hour).Unix()

	require.NoError(t, s.ConditionalPut(ctx, testRecord("a", "GET:/search", now.UnixMilli(), ttl), 0))
	require.NoError(t, s.ConditionalPut(ctx, testRecord("b", "GET:/search", now.Add(-30*time.Hour).UnixMilli(), ttl), 0))

	recs, err := s.Scan(ctx, admission.ScanFilter{ActiveSinceMs: now.Add(-24 * time.Hour).UnixMilli()})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].PrincipalID)
}
