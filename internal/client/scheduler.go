package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"
)

// Register installs a periodic tick that, on each firing, invokes
// ClaimNext and, if a job was claimed, runs the handler synchronously
// before rescheduling (spec §4.3). Jitter is applied to the inter-tick
// delay per spec §5, to decorrelate competing workers. Runs until ctx is
// cancelled or Stop is called.
func (c *Client) Register(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.safeGo("poll", func() { c.pollLoop(ctx, interval) })
}

// Stop cancels the poll loop and waits for it to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.wg.Wait()
}

func (c *Client) safeGo(name string, fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in client goroutine")
			}
		}()
		fn()
	}()
}

func (c *Client) pollLoop(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(nextTick(interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.tick(ctx)
			timer.Reset(nextTick(interval))
		}
	}
}

// tick runs one claim-and-execute cycle.
func (c *Client) tick(ctx context.Context) {
	spec, claimed, err := c.ClaimNext(ctx)
	if err != nil {
		if !errors.Is(err, ErrDoubleClaim) {
			c.logger.Warn().Err(err).Msg("poll: claim_next error")
		}
		return
	}
	if !claimed {
		return
	}

	if err := c.handler(ctx, spec); err != nil {
		// handler-error (spec §7): the job's fate is the handler's to
		// manage. The framework's only reaction is logging; a claim the
		// handler did not finish stays held by this Client and the job
		// stays RUNNING. The Hub sweep revives only FAILED jobs, so it
		// does not reclaim a job left RUNNING.
		c.logger.Warn().Err(err).Msg("poll: handler returned an error")
	}
}

// nextTick applies the polling jitter formula from spec §5: for
// interval > 1s, the next tick fires at now + (1 + rand*(interval-1));
// for interval <= 1s, at now + (interval/2 + rand*interval/2).
func nextTick(interval time.Duration) time.Duration {
	if interval <= time.Second {
		half := interval / 2
		return half + time.Duration(rand.Float64()*float64(half))
	}
	extra := interval - time.Second
	return time.Second + time.Duration(rand.Float64()*float64(extra))
}
