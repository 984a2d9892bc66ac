package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/fault"
	"github.com/loom-data/loom/engine/internal/storage"
)

const testBucket = "loom-test"

// testObjectStore returns an ObjectStore connected to a test MinIO
// instance. It skips the test if LOOM_S3_ENDPOINT is not set so the
// default test run stays fast.
func testObjectStore(t *testing.T) *storage.ObjectStore {
	t.Helper()

	endpoint := os.Getenv("LOOM_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("LOOM_S3_ENDPOINT not set, skipping integration test")
	}
	accessKey := os.Getenv("LOOM_S3_ACCESS_KEY")
	if accessKey == "" {
		t.Skip("LOOM_S3_ACCESS_KEY not set, skipping integration test")
	}
	secretKey := os.Getenv("LOOM_S3_SECRET_KEY")
	if secretKey == "" {
		t.Skip("LOOM_S3_SECRET_KEY not set, skipping integration test")
	}

	store, err := storage.New(storage.Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		UseSSL:    false,
	})
	if err != nil {
		t.Fatalf("create object store: %v", err)
	}
	return store
}

func TestFetchObjectRoundTrip(t *testing.T) {
	store := testObjectStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, testBucket, "imports/orders.json", []byte(`[{"id":1}]`)))

	data, err := store.FetchObject(ctx, testBucket, "imports/orders.json")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1}]`, string(data))
}

func TestFetchObjectMissingKeyIsNotFoundFault(t *testing.T) {
	store := testObjectStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, testBucket, "imports/present.json", []byte(`[]`)))

	_, err := store.FetchObject(ctx, testBucket, "imports/absent.json")
	require.Error(t, err)
	assert.Equal(t, fault.CodeDatabaseNotFound, fault.Classify(err).Code)
}

func TestFetchObjectCancelledContext(t *testing.T) {
	store := testObjectStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.FetchObject(ctx, testBucket, "imports/orders.json")
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	store := testObjectStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}

func TestConfigDefaultTimeouts(t *testing.T) {
	assert.Equal(t, 10*time.Second, storage.DefaultMetadataTimeout)
	assert.Equal(t, 60*time.Second, storage.DefaultDataTimeout)
}
