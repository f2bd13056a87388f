// Package client implements the worker side of the task queue protocol:
// claim a job, track its deadline, run the handler, batch log records and
// binary payloads, checkpoint periodically, and terminate the job.
package client

import (
	"bytes"
	"context"
	"fmt"
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

// claimState is the Client's small in-process record of its one active
// claim (spec §4.3, §9: "hold it as a small per-Client mutable record").
// Never shared across Client instances.
type claimState struct {
	mu       sync.Mutex
	active   bool
	jobID    primitive.ObjectID
	version  int64
	deadline time.Time // zero means no deadline
	nr       int
	buffer   []models.LogRecord
}

// Client owns one worker's claim at a time against the shared store.
type Client struct {
	store    interfaces.Store
	selector bson.D
	owner    string
	logger   *common.Logger
	handler  Handler
	events   *events.Hub

	claim claimState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithSelector restricts which NEW jobs this Client will claim.
func WithSelector(selector bson.D) Option {
	return func(c *Client) { c.selector = selector }
}

// WithOwner overrides the default "<host>:<pid>" owner encoding.
func WithOwner(owner string) Option {
	return func(c *Client) { c.owner = owner }
}

// WithHandler sets the callable invoked with a claimed job's spec.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithEvents attaches the lifecycle-event broadcast hub, normally the same
// *events.Hub a Hub exposes via Hub.Events(), so operator dashboards see
// both job authoring and job execution on one feed. Purely additive
// introspection; nil (the default) disables publishing.
func WithEvents(h *events.Hub) Option {
	return func(c *Client) { c.events = h }
}

// New opens a connection to storeURL and selects prefix, matching spec
// §6's "Client(store_url, prefix)" / "Client(store_url, prefix, selector)"
// constructor contract (selector supplied via WithSelector).
func New(ctx context.Context, storeURL, prefix string, logger *common.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = common.NewSilentLogger()
	}

	store, err := mongostore.New(ctx, storeURL, prefix, logger)
	if err != nil {
		return nil, fmt.Errorf("client: connect store: %w", err)
	}

	c := &Client{
		store:  store,
		owner:  common.DefaultOwner(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = defaultHandler(c)
	}

	return c, nil
}

// Close releases the underlying store connection.
func (c *Client) Close(ctx context.Context) error {
	if s, ok := c.store.(*mongostore.Store); ok {
		return s.Close(ctx)
	}
	return nil
}

// ClaimNext attempts to atomically flip one NEW job (matching the optional
// selector) to RUNNING (spec §4.3). Returns (nil, false, nil) if nothing
// matched. Fails with ErrDoubleClaim if the Client already holds a claim.
func (c *Client) ClaimNext(ctx context.Context) (bson.Raw, bool, error) {
	c.claim.mu.Lock()
	defer c.claim.mu.Unlock()

	if c.claim.active {
		return nil, false, ErrDoubleClaim
	}

	filter := bson.D{{Key: "state", Value: models.StateNew}}
	filter = append(filter, c.selector...)

	now := time.Now().UTC()
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "state", Value: models.StateRunning},
		{Key: "book_time", Value: now},
		{Key: "refresh_time", Value: now},
		{Key: "result.status", Value: "running"},
		{Key: "owner", Value: c.owner},
	}}}

	var job models.Job
	ok, err := c.store.FindAndModify(ctx, "jobs", filter, update, &job)
	if err != nil {
		return nil, false, fmt.Errorf("client: claim_next: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	c.claim.active = true
	c.claim.jobID = job.ID
	c.claim.version = job.Version
	c.claim.nr = 0
	c.claim.buffer = nil
	if job.Timeout > 0 {
		c.claim.deadline = now.Add(time.Duration(job.Timeout) * time.Second)
	} else {
		c.claim.deadline = time.Time{}
	}

	c.publish("job_claimed", job.ID, models.StateRunning)

	return job.Spec, true, nil
}

// Log appends an inline log record to the in-memory buffer. Not flushed
// until Checkpoint or Finish. Requires an active claim.
func (c *Client) Log(level int, msg any) error {
	c.claim.mu.Lock()
	defer c.claim.mu.Unlock()

	if !c.claim.active {
		return ErrNoClaim
	}

	msgRaw, err := bson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal log message: %w", err)
	}

	c.claim.buffer = append(c.claim.buffer, models.LogRecord{
		ID:        primitive.NewObjectID(),
		TaskID:    c.claim.jobID,
		Level:     level,
		Nr:        c.claim.nr,
		Timestamp: time.Now().UTC(),
		Msg:       msgRaw,
	})
	c.claim.nr++

	return nil
}

// LogBlob generates a fresh filename, stores data as a blob, merges msg
// into the resulting fs.files document, and appends a log record carrying
// the filename (spec §4.3's second log overload). Requires an active claim.
func (c *Client) LogBlob(ctx context.Context, level int, data []byte, msg any) error {
	c.claim.mu.Lock()
	defer c.claim.mu.Unlock()

	if !c.claim.active {
		return ErrNoClaim
	}

	filename, err := c.store.StoreBlob(ctx, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("client: store blob: %w", err)
	}

	msgDoc, err := bson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal blob message: %w", err)
	}
	var setFields bson.D
	if err := bson.Unmarshal(msgDoc, &setFields); err != nil {
		return fmt.Errorf("client: decode blob message: %w", err)
	}
	if _, err := c.store.Update(ctx, "fs.files", bson.D{{Key: "filename", Value: filename}},
		bson.D{{Key: "$set", Value: setFields}}); err != nil {
		return fmt.Errorf("client: merge blob metadata: %w", err)
	}

	c.claim.buffer = append(c.claim.buffer, models.LogRecord{
		ID:        primitive.NewObjectID(),
		TaskID:    c.claim.jobID,
		Level:     level,
		Nr:        c.claim.nr,
		Timestamp: time.Now().UTC(),
		Msg:       msgDoc,
		Filename:  filename,
	})
	c.claim.nr++

	return nil
}

// Checkpoint heartbeats the claimed job and flushes buffered log records.
// If checkTimeout and the deadline has passed, it trips the job to FAILED,
// discards the claim, and returns ErrTimeout (spec §4.3).
func (c *Client) Checkpoint(ctx context.Context, checkTimeout bool) error {
	c.claim.mu.Lock()
	defer c.claim.mu.Unlock()

	return c.checkpointLocked(ctx, checkTimeout)
}

// checkpointLocked assumes c.claim.mu is already held.
func (c *Client) checkpointLocked(ctx context.Context, checkTimeout bool) error {
	if !c.claim.active {
		return ErrNoClaim
	}

	now := time.Now().UTC()

	if checkTimeout && !c.claim.deadline.IsZero() && !now.Before(c.claim.deadline) {
		jobID := c.claim.jobID
		owner := c.owner
		_, err := c.store.Update(ctx, "jobs",
			bson.D{{Key: "_id", Value: jobID}, {Key: "owner", Value: owner}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "state", Value: models.StateFailed}, {Key: "error", Value: "timeout"}}}})
		c.resetClaimLocked()
		if err != nil {
			return fmt.Errorf("client: checkpoint timeout write: %w", err)
		}
		return ErrTimeout
	}

	if _, err := c.store.Update(ctx, "jobs", bson.D{{Key: "_id", Value: c.claim.jobID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "refresh_time", Value: now}}}}); err != nil {
		return fmt.Errorf("client: checkpoint heartbeat: %w", err)
	}

	if len(c.claim.buffer) > 0 {
		for _, rec := range c.claim.buffer {
			if _, err := c.store.Insert(ctx, "log", rec); err != nil {
				return fmt.Errorf("client: flush log buffer: %w", err)
			}
		}
		c.claim.buffer = nil
	}

	c.publish("job_checkpointed", c.claim.jobID, models.StateRunning)

	return nil
}

// Finish flushes logs unconditionally (checkpoint with timeout-checking
// disabled), then writes the terminal state guarded by version (spec
// §4.3). Once the flush has succeeded the claim is discarded whatever the
// outcome of the terminal write; if the flush fails, the claim stays active.
func (c *Client) Finish(ctx context.Context, result any, ok bool) error {
	c.claim.mu.Lock()
	defer c.claim.mu.Unlock()

	if !c.claim.active {
		return ErrNoClaim
	}

	if err := c.checkpointLocked(ctx, false); err != nil {
		// checkpointLocked only resets the claim on the timeout path, which
		// cannot fire here since checkTimeout is false; any error here is a
		// store error, and the claim is still active.
		return err
	}

	jobID := c.claim.jobID
	version := c.claim.version
	now := time.Now().UTC()

	resultRaw, err := bson.Marshal(result)
	if err != nil {
		c.resetClaimLocked()
		return fmt.Errorf("client: marshal finish result: %w", err)
	}

	var update bson.D
	if ok {
		update = bson.D{{Key: "$set", Value: bson.D{
			{Key: "state", Value: models.StateOK},
			{Key: "version", Value: version + 1},
			{Key: "finish_time", Value: now},
			{Key: "result", Value: resultRaw},
		}}}
	} else {
		update = bson.D{{Key: "$set", Value: bson.D{
			{Key: "state", Value: models.StateFailed},
			{Key: "version", Value: version + 1},
			{Key: "failure_time", Value: now},
			{Key: "result.status", Value: "fail"},
			{Key: "error", Value: resultRaw},
		}}}
	}

	_, err = c.store.Update(ctx, "jobs",
		bson.D{{Key: "_id", Value: jobID}, {Key: "version", Value: version}},
		update)

	finishState := models.StateOK
	if !ok {
		finishState = models.StateFailed
	}
	c.resetClaimLocked()

	if err != nil {
		return fmt.Errorf("client: finish: %w", err)
	}
	c.publish("job_finished", jobID, finishState)
	return nil
}

// publish broadcasts a lifecycle event if an events hub is attached. A nil
// hub (the default) makes this a no-op — the protocol never depends on
// whether anyone is listening.
func (c *Client) publish(eventType string, jobID primitive.ObjectID, state models.State) {
	if c.events == nil {
		return
	}
	c.events.Publish(models.JobEvent{
		Type:      eventType,
		JobID:     jobID.Hex(),
		State:     state.String(),
		Owner:     c.owner,
		Timestamp: time.Now().UTC(),
	})
}

// BestFinished returns the OK job with the lowest result.loss, matching
// the optional selector, or false if none exists. Convenience for loss-
// minimising search integrations; no coupling to the protocol.
func (c *Client) BestFinished(ctx context.Context, selector bson.D) (*models.Job, bool, error) {
	filter := bson.D{{Key: "state", Value: models.StateOK}}
	filter = append(filter, selector...)

	var jobs []models.Job
	err := c.store.Query(ctx, "jobs", filter, interfaces.QueryOptions{
		Sort:  bson.D{{Key: "result.loss", Value: 1}},
		Limit: 1,
	}, &jobs)
	if err != nil {
		return nil, false, fmt.Errorf("client: best_finished: %w", err)
	}
	if len(jobs) == 0 {
		return nil, false, nil
	}
	return &jobs[0], true, nil
}

func (c *Client) resetClaimLocked() {
	c.claim.active = false
	c.claim.jobID = primitive.NilObjectID
	c.claim.version = 0
	c.claim.deadline = time.Time{}
	c.claim.nr = 0
	c.claim.buffer = nil
}

// SetHandler replaces the callable invoked with a claimed job's spec. Safe
// to call after construction, e.g. when the handler itself needs to close
// over the Client to call Checkpoint/Finish.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// HasClaim reports whether the Client currently holds an active claim.
func (c *Client) HasClaim() bool {
	c.claim.mu.Lock()
	defer c.claim.mu.Unlock()
	return c.claim.active
}
