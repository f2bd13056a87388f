package mongostore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bobmcallan/taskqueue/internal/common"
	tcommon "github.com/bobmcallan/taskqueue/tests/common"
)

// testStore starts the shared MongoDB container and returns a Store
// connected to a unique database per test, for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	mc := tcommon.StartMongoDB(t)
	ctx := context.Background()

	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	prefix := fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)

	store, err := New(ctx, mc.URI(), prefix, testLogger())
	if err != nil {
		t.Fatalf("connect to MongoDB: %v", err)
	}

	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}

	t.Cleanup(func() {
		store.Close(context.Background())
	})

	return store
}

// testLogger returns a silent logger for tests.
func testLogger() *common.Logger {
	return common.NewSilentLogger()
}
