package client

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Handler is the user-supplied callable invoked with a claimed job's spec
// (spec §4.3, §9's "callable field" resolution of the original's virtual
// method override).
type Handler func(ctx context.Context, spec bson.Raw) error

// defaultHandler is used when no Handler is set. It immediately fails the
// job with a warning, per spec §4.3.
func defaultHandler(c *Client) Handler {
	return func(ctx context.Context, spec bson.Raw) error {
		c.logger.Warn().Msg("no handler registered, failing job")
		return c.Finish(ctx, bson.D{{Key: "error", Value: "no handler registered"}}, false)
	}
}
