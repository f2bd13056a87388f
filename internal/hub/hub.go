// Package hub implements the job-author and liveness-watchdog side of the
// task queue protocol: inserting NEW jobs, introspection counters, and the
// periodic sweep that revives a FAILED job back to NEW exactly once.
package hub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/events"
	"github.com/bobmcallan/taskqueue/internal/interfaces"
	"github.com/bobmcallan/taskqueue/internal/models"
	"github.com/bobmcallan/taskqueue/internal/store/mongostore"
)

// Hub authors jobs and supervises their liveness against the shared store.
type Hub struct {
	store  interfaces.Store
	events *events.Hub
	logger *common.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub opens a connection to storeURL and ensures the job collections
// exist, matching spec §6's "Hub(store_url, prefix)" constructor contract.
func NewHub(ctx context.Context, storeURL, prefix string, logger *common.Logger) (*Hub, error) {
	if logger == nil {
		logger = common.NewSilentLogger()
	}

	store, err := mongostore.New(ctx, storeURL, prefix, logger)
	if err != nil {
		return nil, fmt.Errorf("hub: connect store: %w", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("hub: ensure indexes: %w", err)
	}

	return &Hub{
		store:  store,
		events: events.NewHub(logger),
		logger: logger,
	}, nil
}

// Events returns the lifecycle-event broadcast hub for live subscribers.
// Purely additive introspection; the protocol never depends on whether
// anyone is listening.
func (h *Hub) Events() *events.Hub {
	return h.events
}

// InsertJob creates one NEW job with nfailed=0, create_time=now, and a
// placeholder result (spec §4.2).
func (h *Hub) InsertJob(ctx context.Context, spec any, timeoutSec int64, driverTag string) (primitive.ObjectID, error) {
	specRaw, err := bson.Marshal(spec)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("hub: marshal spec: %w", err)
	}
	resultRaw, err := bson.Marshal(bson.D{{Key: "status", Value: "new"}})
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("hub: marshal result placeholder: %w", err)
	}

	job := &models.Job{
		State:      models.StateNew,
		Spec:       specRaw,
		Result:     resultRaw,
		Timeout:    timeoutSec,
		ExpKey:     driverTag,
		CreateTime: time.Now().UTC(),
		BookTime:   models.SentinelTime(),
		RefreshTime: models.SentinelTime(),
		NFailed:    0,
		Version:    0,
	}

	id, err := h.store.Insert(ctx, "jobs", job)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("hub: insert job: %w", err)
	}

	oid, ok := id.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, fmt.Errorf("hub: insert job: unexpected id type %T", id)
	}

	h.events.Publish(models.JobEvent{
		Type:      "job_queued",
		JobID:     oid.Hex(),
		State:     models.StateNew.String(),
		Timestamp: time.Now().UTC(),
	})

	return oid, nil
}

// CountOpen reports the number of NEW jobs.
func (h *Hub) CountOpen(ctx context.Context) (int64, error) {
	return h.countByState(ctx, models.StateNew)
}

// CountAssigned reports the number of RUNNING jobs.
func (h *Hub) CountAssigned(ctx context.Context) (int64, error) {
	return h.countByState(ctx, models.StateRunning)
}

// CountOK reports the number of OK jobs.
func (h *Hub) CountOK(ctx context.Context) (int64, error) {
	return h.countByState(ctx, models.StateOK)
}

// CountFailed reports the number of FAILED jobs.
func (h *Hub) CountFailed(ctx context.Context) (int64, error) {
	return h.countByState(ctx, models.StateFailed)
}

func (h *Hub) countByState(ctx context.Context, state models.State) (int64, error) {
	n, err := h.store.Count(ctx, "jobs", bson.D{{Key: "state", Value: state}})
	if err != nil {
		return 0, fmt.Errorf("hub: count state %s: %w", state, err)
	}
	return n, nil
}

// NewestFinished finds the most recently completed OK job, sorted by
// finish_time descending (spec §4.2).
func (h *Hub) NewestFinished(ctx context.Context) (*models.Job, bool, error) {
	var jobs []models.Job
	err := h.store.Query(ctx, "jobs", bson.D{{Key: "state", Value: models.StateOK}}, interfaces.QueryOptions{
		Sort:  bson.D{{Key: "finish_time", Value: -1}},
		Limit: 1,
	}, &jobs)
	if err != nil {
		return nil, false, fmt.Errorf("hub: newest finished: %w", err)
	}
	if len(jobs) == 0 {
		return nil, false, nil
	}
	return &jobs[0], true, nil
}

// ClearAll drops every collection the queue owns: jobs, log, and the
// GridFS blob collections.
func (h *Hub) ClearAll(ctx context.Context) error {
	for _, collection := range []string{"jobs", "log", "fs.chunks", "fs.files"} {
		if err := h.store.Drop(ctx, collection); err != nil {
			return fmt.Errorf("hub: clear %s: %w", collection, err)
		}
	}
	return nil
}

// Register installs the periodic revival sweep: every interval, jobs with
// state=FAILED and nfailed<1 are atomically rewound to NEW with nfailed
// incremented to 1 (spec §4.2). Runs until ctx is cancelled or Stop is
// called.
func (h *Hub) Register(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.safeGo("sweep", func() { h.sweepLoop(ctx, interval) })
}

// Stop cancels the sweep loop and waits for it to exit.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.events.Stop()
	h.wg.Wait()
}

// Close releases the underlying store connection.
func (h *Hub) Close(ctx context.Context) error {
	if s, ok := h.store.(*mongostore.Store); ok {
		return s.Close(ctx)
	}
	return nil
}

// safeGo launches a goroutine with panic recovery and logging, following
// the teacher's job-manager goroutine discipline.
func (h *Hub) safeGo(name string, fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in hub goroutine")
			}
		}()
		fn()
	}()
}

// sweepLoop ticks every interval and applies the revival sweep, with
// exponential backoff on store errors (capped at 30s), mirroring the
// teacher's watchLoop staggering idiom.
func (h *Hub) sweepLoop(ctx context.Context, interval time.Duration) {
	const backoffMax = 30 * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := time.Duration(0)

	sweep := func() {
		n, err := h.reviveFailedJobs(ctx)
		if err == nil {
			if n > 0 {
				h.logger.Info().Int64("revived", n).Msg("sweep: revived failed jobs")
			}
			backoff = 0
			return
		}

		h.logger.Warn().Err(err).Msg("sweep: store error")
		if backoff == 0 {
			backoff = 2 * time.Second
		} else {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}

	sweep()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// reviveFailedJobs applies the one-shot retry policy (spec §4.2): any job
// with state=FAILED and nfailed<1 is rewound to NEW with nfailed
// incremented and its timestamps reset to the sentinel.
func (h *Hub) reviveFailedJobs(ctx context.Context) (int64, error) {
	filter := bson.D{
		{Key: "state", Value: models.StateFailed},
		{Key: "nfailed", Value: bson.D{{Key: "$lt", Value: 1}}},
	}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "nfailed", Value: 1}}},
		{Key: "$set", Value: bson.D{
			{Key: "state", Value: models.StateNew},
			{Key: "book_time", Value: models.SentinelTime()},
			{Key: "refresh_time", Value: models.SentinelTime()},
		}},
	}

	n, err := h.store.Update(ctx, "jobs", filter, update)
	if err != nil {
		return 0, fmt.Errorf("hub: revive sweep: %w", err)
	}
	return n, nil
}
