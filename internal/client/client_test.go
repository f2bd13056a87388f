package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/interfaces"
	"github.com/bobmcallan/taskqueue/internal/models"
	"github.com/bobmcallan/taskqueue/internal/store/memstore"
)

func newTestClient(store *memstore.Store, owner string) *Client {
	c := &Client{
		store:  store,
		owner:  owner,
		logger: common.NewSilentLogger(),
	}
	c.handler = defaultHandler(c)
	return c
}

func insertNewJob(t *testing.T, store *memstore.Store, timeoutSec int64) primitive.ObjectID {
	t.Helper()
	ctx := context.Background()
	specRaw, err := bson.Marshal(bson.D{{Key: "foo", Value: 1}, {Key: "bar", Value: 2}})
	require.NoError(t, err)

	id, err := store.Insert(ctx, "jobs", &models.Job{
		State:      models.StateNew,
		Spec:       specRaw,
		Timeout:    timeoutSec,
		CreateTime: time.Now().UTC(),
		BookTime:   models.SentinelTime(),
	})
	require.NoError(t, err)
	return id.(primitive.ObjectID)
}

func TestClient_ClaimNext_NoMatchingJob(t *testing.T) {
	c := newTestClient(memstore.New(), "host:1")
	spec, claimed, err := c.ClaimNext(context.Background())
	require.NoError(t, err)
	require.False(t, claimed)
	require.Nil(t, spec)
}

func TestClient_ClaimNext_ClaimsExactlyOnce(t *testing.T) {
	store := memstore.New()
	insertNewJob(t, store, 1000)

	c := newTestClient(store, "host:1")
	ctx := context.Background()

	spec, claimed, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	var decoded struct {
		Foo int `bson:"foo"`
		Bar int `bson:"bar"`
	}
	require.NoError(t, bson.Unmarshal(spec, &decoded))
	require.Equal(t, 1, decoded.Foo)
	require.Equal(t, 2, decoded.Bar)

	// A second Client racing for the same job must see nothing left.
	other := newTestClient(store, "host:2")
	_, claimed, err = other.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestClient_ClaimNext_DoubleClaimRejected(t *testing.T) {
	store := memstore.New()
	insertNewJob(t, store, 1000)
	insertNewJob(t, store, 1000)

	c := newTestClient(store, "host:1")
	ctx := context.Background()

	_, claimed, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	_, _, err = c.ClaimNext(ctx)
	require.ErrorIs(t, err, ErrDoubleClaim)
}

func TestClient_LogBeforeClaim_Rejected(t *testing.T) {
	c := newTestClient(memstore.New(), "host:1")
	err := c.Log(0, bson.D{{Key: "num", Value: 1}})
	require.ErrorIs(t, err, ErrNoClaim)
}

func TestClient_CheckpointBeforeClaim_Rejected(t *testing.T) {
	c := newTestClient(memstore.New(), "host:1")
	err := c.Checkpoint(context.Background(), true)
	require.ErrorIs(t, err, ErrNoClaim)
}

func TestClient_FinishBeforeClaim_Rejected(t *testing.T) {
	c := newTestClient(memstore.New(), "host:1")
	err := c.Finish(context.Background(), bson.D{{Key: "baz", Value: 3}}, true)
	require.ErrorIs(t, err, ErrNoClaim)
}

func TestClient_LoggingRoundTrip_PreservesOrder(t *testing.T) {
	store := memstore.New()
	insertNewJob(t, store, 1000)

	c := newTestClient(store, "host:1")
	ctx := context.Background()

	_, claimed, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, c.Log(0, bson.D{{Key: "num", Value: 1}}))
	require.NoError(t, c.Log(0, bson.D{{Key: "num", Value: 2}}))
	require.NoError(t, c.Checkpoint(ctx, true))
	require.NoError(t, c.Log(0, bson.D{{Key: "num", Value: 3}}))
	require.NoError(t, c.Checkpoint(ctx, true))
	require.NoError(t, c.Finish(ctx, bson.D{{Key: "baz", Value: 3}}, true))

	var records []models.LogRecord
	require.NoError(t, store.Query(ctx, "log", bson.D{}, interfaces.QueryOptions{
		Sort: bson.D{{Key: "nr", Value: 1}},
	}, &records))
	require.Len(t, records, 3)

	for i, rec := range records {
		var decoded struct {
			Num int `bson:"num"`
		}
		require.NoError(t, bson.Unmarshal(rec.Msg, &decoded))
		require.Equal(t, i+1, decoded.Num)
		require.Equal(t, i, rec.Nr)
	}
}

func TestClient_Finish_Success(t *testing.T) {
	store := memstore.New()
	insertNewJob(t, store, 1000)

	c := newTestClient(store, "host:1")
	ctx := context.Background()

	_, claimed, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, c.Finish(ctx, bson.D{{Key: "baz", Value: 3}}, true))
	require.False(t, c.HasClaim())

	var jobs []models.Job
	require.NoError(t, store.Query(ctx, "jobs", bson.D{}, interfaces.QueryOptions{}, &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, models.StateOK, jobs[0].State)

	var decoded struct {
		Baz int `bson:"baz"`
	}
	require.NoError(t, bson.Unmarshal(jobs[0].Result, &decoded))
	require.Equal(t, 3, decoded.Baz)
}

func TestClient_Finish_Failure(t *testing.T) {
	store := memstore.New()
	insertNewJob(t, store, 1000)

	c := newTestClient(store, "host:1")
	ctx := context.Background()

	_, claimed, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, c.Finish(ctx, bson.D{{Key: "error", Value: "boom"}}, false))

	var jobs []models.Job
	require.NoError(t, store.Query(ctx, "jobs", bson.D{}, interfaces.QueryOptions{}, &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, models.StateFailed, jobs[0].State)
}

func TestClient_Checkpoint_TripsTimeout(t *testing.T) {
	store := memstore.New()
	insertNewJob(t, store, 1) // 1 second timeout

	c := newTestClient(store, "host:1")
	ctx := context.Background()

	_, claimed, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	// Force the deadline into the past without sleeping a full second.
	c.claim.deadline = time.Now().Add(-time.Millisecond)

	err = c.Checkpoint(ctx, true)
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, c.HasClaim())

	var jobs []models.Job
	require.NoError(t, store.Query(ctx, "jobs", bson.D{}, interfaces.QueryOptions{}, &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, models.StateFailed, jobs[0].State)
}

func TestClient_BestFinished_PicksLowestLoss(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	for _, loss := range []float64{3.0, 1.5, 2.0} {
		resultRaw, err := bson.Marshal(bson.D{{Key: "loss", Value: loss}})
		require.NoError(t, err)
		_, err = store.Insert(ctx, "jobs", &models.Job{State: models.StateOK, Result: resultRaw})
		require.NoError(t, err)
	}

	c := newTestClient(store, "host:1")
	job, found, err := c.BestFinished(ctx, nil)
	require.NoError(t, err)
	require.True(t, found)

	var decoded struct {
		Loss float64 `bson:"loss"`
	}
	require.NoError(t, bson.Unmarshal(job.Result, &decoded))
	require.Equal(t, 1.5, decoded.Loss)
}

func TestClient_Scheduler_RegisterAndStop(t *testing.T) {
	store := memstore.New()
	insertNewJob(t, store, 1000)

	var ran bool
	c := newTestClient(store, "host:1")
	c.handler = func(ctx context.Context, spec bson.Raw) error {
		ran = true
		return c.Finish(ctx, bson.D{{Key: "baz", Value: 1}}, true)
	}

	ctx := context.Background()
	c.Register(ctx, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	require.True(t, ran)
}

func TestNextTick_RespectsJitterBounds(t *testing.T) {
	short := nextTick(500 * time.Millisecond)
	require.GreaterOrEqual(t, short, 250*time.Millisecond)
	require.LessOrEqual(t, short, 500*time.Millisecond)

	long := nextTick(10 * time.Second)
	require.GreaterOrEqual(t, long, time.Second)
	require.LessOrEqual(t, long, 10*time.Second)
}
