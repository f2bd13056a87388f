// Command taskqueue-client runs a worker against the task queue: it polls
// for NEW jobs, executes a sample handler, and reports results. The
// handler here is illustrative wiring only — spec §1 scopes the
// user-supplied handler itself out of the core protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/bobmcallan/taskqueue/internal/client"
	"github.com/bobmcallan/taskqueue/internal/common"
)

func main() {
	configPath := os.Getenv("TASKQUEUE_CONFIG")
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.Logging.Level)
	common.PrintBanner("client", cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []client.Option
	if owner := cfg.Client.Owner; owner != "" {
		opts = append(opts, client.WithOwner(owner))
	}

	c, err := client.New(ctx, cfg.Store.URL, cfg.Store.Prefix, logger, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start client")
		os.Exit(1)
	}

	c.SetHandler(func(handlerCtx context.Context, spec bson.Raw) error {
		logger.Info().Str("spec", spec.String()).Msg("handling claimed job")
		if err := c.Checkpoint(handlerCtx, true); err != nil {
			return err
		}
		return c.Finish(handlerCtx, bson.D{{Key: "status", Value: "ok"}}, true)
	})

	c.Register(ctx, cfg.Client.GetPollInterval())

	<-ctx.Done()
	common.PrintShutdownBanner("client", logger)

	c.Stop()
	if err := c.Close(context.Background()); err != nil {
		logger.Error().Err(err).Msg("store close failed")
	}
}
