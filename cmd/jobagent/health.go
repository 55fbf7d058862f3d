// ABOUTME: The health subcommand querying a running agent's gRPC health endpoint
// ABOUTME: Exits non-zero unless the agent reports SERVING

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/jobagent/internal/config"
	"github.com/2389/jobagent/internal/health"
)

var errNotServing = errors.New("agent is not serving")

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(getConfigPath(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Health.Addr == "" {
		return fmt.Errorf("health.addr is not configured")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	status, err := health.Check(ctx, cfg.Health.Addr)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		return errNotServing
	}
	return nil
}
