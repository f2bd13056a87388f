package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bobmcallan/taskqueue/internal/client"
	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/hub"
	"github.com/bobmcallan/taskqueue/internal/interfaces"
	"github.com/bobmcallan/taskqueue/internal/models"
	"github.com/bobmcallan/taskqueue/internal/store/mongostore"
)

// Scenario 1 (spec §8): create/destroy.
func TestScenario_InsertJob_CountsOpen(t *testing.T) {
	ctx := context.Background()
	uri := mongoURI(t)
	prefix := freshPrefix(t)
	logger := common.NewSilentLogger()

	h, err := hub.NewHub(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer h.Close(ctx)

	open, err := h.CountOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), open)

	_, err = h.InsertJob(ctx, bson.D{{Key: "foo", Value: 1}, {Key: "bar", Value: 2}}, 1000, "")
	require.NoError(t, err)

	open, err = h.CountOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), open)
}

// Scenario 2 (spec §8): claim/finish.
func TestScenario_ClaimAndFinish(t *testing.T) {
	ctx := context.Background()
	uri := mongoURI(t)
	prefix := freshPrefix(t)
	logger := common.NewSilentLogger()

	h, err := hub.NewHub(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = h.InsertJob(ctx, bson.D{{Key: "foo", Value: 1}, {Key: "bar", Value: 2}}, 1000, "")
	require.NoError(t, err)

	c, err := client.New(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer c.Close(ctx)

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

	assigned, err := h.CountAssigned(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), assigned)
	open, err := h.CountOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), open)

	require.NoError(t, c.Finish(ctx, bson.D{{Key: "baz", Value: 3}}, true))

	ok, err := h.CountOK(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), ok)
	open, err = h.CountOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), open)
}

// Scenario 3 (spec §8): logging round-trip plus newest_finished.
func TestScenario_LoggingRoundTrip(t *testing.T) {
	ctx := context.Background()
	uri := mongoURI(t)
	prefix := freshPrefix(t)
	logger := common.NewSilentLogger()

	h, err := hub.NewHub(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = h.InsertJob(ctx, bson.D{{Key: "foo", Value: 1}, {Key: "bar", Value: 2}}, 1000, "")
	require.NoError(t, err)

	c, err := client.New(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer c.Close(ctx)

	_, claimed, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, c.Log(0, bson.D{{Key: "num", Value: 1}}))
	require.NoError(t, c.Log(0, bson.D{{Key: "num", Value: 2}}))
	require.NoError(t, c.Checkpoint(ctx, true))
	require.NoError(t, c.Log(0, bson.D{{Key: "num", Value: 3}}))
	require.NoError(t, c.Checkpoint(ctx, true))
	require.NoError(t, c.Finish(ctx, bson.D{{Key: "baz", Value: 3}}, true))

	newest, found, err := h.NewestFinished(ctx)
	require.NoError(t, err)
	require.True(t, found)

	var result struct {
		Baz int `bson:"baz"`
	}
	require.NoError(t, bson.Unmarshal(newest.Result, &result))
	require.Equal(t, 3, result.Baz)

	store, err := mongostore.New(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer store.Close(ctx)

	var records []models.LogRecord
	require.NoError(t, store.Query(ctx, "log",
		bson.D{{Key: "taskid", Value: newest.ID}},
		interfaces.QueryOptions{Sort: bson.D{{Key: "nr", Value: 1}}}, &records))
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

// Scenario 4 (spec §8), compressed: timeout trips, the Hub sweep revives the
// job exactly once, and a second trip leaves it terminally FAILED.
func TestScenario_TimeoutThenOneRevival(t *testing.T) {
	ctx := context.Background()
	uri := mongoURI(t)
	prefix := freshPrefix(t)
	logger := common.NewSilentLogger()

	h, err := hub.NewHub(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = h.InsertJob(ctx, bson.D{{Key: "n", Value: 1}}, 1, "")
	require.NoError(t, err)

	h.Register(ctx, 200*time.Millisecond)
	defer h.Stop()

	runUntilTimeout := func() {
		c, err := client.New(ctx, uri, prefix, logger)
		require.NoError(t, err)
		defer c.Close(ctx)

		_, claimed, err := c.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, claimed)

		var tripped error
		for i := 0; i < 10 && tripped == nil; i++ {
			time.Sleep(300 * time.Millisecond)
			tripped = c.Checkpoint(ctx, true)
		}
		require.True(t, errors.Is(tripped, client.ErrTimeout))
	}

	runUntilTimeout()

	require.Eventually(t, func() bool {
		open, err := h.CountOpen(ctx)
		return err == nil && open == 1
	}, 2*time.Second, 50*time.Millisecond, "expected the Hub sweep to revive the job exactly once")

	failed, err := h.CountFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), failed)

	runUntilTimeout()

	require.Never(t, func() bool {
		open, err := h.CountOpen(ctx)
		return err == nil && open == 1
	}, 1*time.Second, 50*time.Millisecond, "a second FAILED visit must not be revived again")

	failed, err = h.CountFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), failed)
}

// Scenario 6 (spec §8): blob logging.
func TestScenario_BlobLogging(t *testing.T) {
	ctx := context.Background()
	uri := mongoURI(t)
	prefix := freshPrefix(t)
	logger := common.NewSilentLogger()

	h, err := hub.NewHub(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = h.InsertJob(ctx, bson.D{{Key: "foo", Value: 1}, {Key: "bar", Value: 2}}, 1000, "")
	require.NoError(t, err)

	c, err := client.New(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer c.Close(ctx)

	_, claimed, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	payload := []byte("hallihallohallihallohallihallohallihallohalli")
	require.NoError(t, c.LogBlob(ctx, 0, payload, bson.D{{Key: "baz", Value: 3}}))
	require.NoError(t, c.Finish(ctx, bson.D{{Key: "baz", Value: 4}}, true))

	newest, found, err := h.NewestFinished(ctx)
	require.NoError(t, err)
	require.True(t, found)

	store, err := mongostore.New(ctx, uri, prefix, logger)
	require.NoError(t, err)
	defer store.Close(ctx)

	var records []models.LogRecord
	require.NoError(t, store.Query(ctx, "log", bson.D{{Key: "taskid", Value: newest.ID}}, interfaces.QueryOptions{}, &records))
	require.Len(t, records, 1)
	require.NotEmpty(t, records[0].Filename)

	reader, err := store.OpenBlob(ctx, records[0].Filename)
	require.NoError(t, err)
	defer reader.Close()

	var buf [256]byte
	n, _ := reader.Read(buf[:])
	require.Equal(t, string(payload), string(buf[:n]))
}
