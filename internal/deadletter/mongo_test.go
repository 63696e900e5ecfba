package deadletter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TestMongoStore needs a MongoDB server; set CONNECTOR_MONGO_URI to run it
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("CONNECTOR_MONGO_URI")
	if uri == "" {
		t.Skip("CONNECTOR_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("connector_test_" + uuid.NewString()[:8])
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	store := NewMongoStore(db, "")
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.EnsureIndexes(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	first := &Record{ID: "r/1", MessageID: "1", Receiver: "r", Body: []byte("a"), RecordedAt: now}
	second := &Record{ID: "r/2", MessageID: "2", Receiver: "r", Body: []byte("b"), RecordedAt: now.Add(time.Second)}
	other := &Record{ID: "s/1", MessageID: "1", Receiver: "s", Body: []byte("c"), RecordedAt: now}
	for _, r := range []*Record{first, second, other} {
		require.NoError(t, store.Save(ctx, r))
	}
	first.Cause = "updated"
	require.NoError(t, store.Save(ctx, first))

	records, err := store.List(ctx, "r", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r/2", records[0].ID)
	assert.Equal(t, "updated", records[1].Cause)

	require.NoError(t, store.Delete(ctx, "s/1"))
	assert.ErrorIs(t, store.Delete(ctx, "s/1"), ErrNotFound)
}
