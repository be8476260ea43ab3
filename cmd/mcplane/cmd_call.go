package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcplane/internal/config"
)

var callSessionID string

// callCmd routes a single tool call through a freshly built pool. It is
// a one-shot client for smoke-testing a configuration.
var callCmd = &cobra.Command{
	Use:   "call <tool> [json-arguments]",
	Short: "Route one tool call through the configured pool",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		toolArgs := map[string]interface{}{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
				return fmt.Errorf("invalid JSON arguments: %w", err)
			}
		}

		orch, store, err := buildOrchestrator(cfg, logger)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		ctx := context.Background()
		if err := registerServers(ctx, orch, store, cfg.Servers); err != nil {
			return err
		}
		if err := orch.ProbeNow(ctx); err != nil {
			logger.Warn("probe cycle failed", zap.Error(err))
		}

		out, err := orch.RouteWithRetry(ctx, args[0], toolArgs, callSessionID)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callSessionID, "session", "", "session ID for sticky routing")
}
