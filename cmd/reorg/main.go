// Package main provides an operator tool for finality and reorg handling.
// It lets an operator roll back unfinalized rows after a reorg the indexer
// could not see, or force a finalization pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/campaign-indexer/internal/app"
	"github.com/campaign-indexer/internal/config"
	"github.com/campaign-indexer/internal/logging"
)

func main() {
	var (
		action = flag.String("action", "status", "Action: status, finalize, rollback")
		point  = flag.Uint64("block", 0, "First block to revert with -action rollback")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize components: %v", err)
	}
	defer components.Close()

	if err := run(ctx, components, *action, *point); err != nil {
		log.Fatalf("%s failed: %v", *action, err)
	}
}

func run(ctx context.Context, c *app.Components, action string, point uint64) error {
	switch action {
	case "status":
		status, err := c.NewStatusReporter(nil).IndexerStatus(ctx)
		if err != nil {
			return err
		}
		finalized, _ := c.Finality.FinalizedHeight(status.CurrentBlock)
		fmt.Printf("head:            %d\n", status.CurrentBlock)
		fmt.Printf("cursor:          %d\n", status.LastProcessedBlock)
		fmt.Printf("blocks behind:   %d\n", status.BlocksBehind)
		fmt.Printf("finalized up to: %d\n", finalized)
		fmt.Printf("healthy:         %v\n", status.Healthy)
		return nil

	case "finalize":
		head, err := c.Reader.CurrentHeight(ctx)
		if err != nil {
			return err
		}
		affected, err := c.Finality.Finalize(ctx, head)
		if err != nil {
			return err
		}
		fmt.Printf("finalized rows of %d campaign(s) at head %d\n", len(affected), head)
		return nil

	case "rollback":
		if point == 0 {
			return fmt.Errorf("-block is required for rollback")
		}
		result, err := c.Finality.Rollback(ctx, point)
		if err != nil {
			return err
		}
		fmt.Printf("reverted %d event(s) from block %d\n", result.DeletedEvents, result.Point)
		for _, campaign := range result.DeletedCampaigns {
			fmt.Printf("  deleted %s\n", campaign)
		}
		for _, campaign := range result.Rebuilt {
			fmt.Printf("  rebuilt %s\n", campaign)
		}
		return nil

	default:
		return fmt.Errorf("unknown action: %s", action)
	}
}
