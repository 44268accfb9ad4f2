//go:build mongo

package telemetry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestMongoStoreIgnoresRedeliveries(t *testing.T) {
	uri := os.Getenv("CHIME_TEST_MONGO_URI")
	if strings.TrimSpace(uri) == "" {
		t.Skip("CHIME_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := OpenMongo(ctx, MongoConfig{URI: uri, Database: "chime_test"})
	require.NoError(t, err)
	defer store.Close(ctx)

	log := CallLog{EventID: uuid.NewString(), CallerID: "alice", CalleeID: "bob", DurationSeconds: 3, EndedAt: time.Now().UTC()}
	require.NoError(t, store.SaveCallLogs(ctx, []CallLog{log}))
	require.NoError(t, store.SaveCallLogs(ctx, []CallLog{log, {EventID: uuid.NewString(), CallerID: "carol", CalleeID: "dave"}}))

	n, err := store.callLogs.CountDocuments(ctx, bson.M{"event_id": log.EventID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
