// File: cmd/run.go
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/observability"
	"github.com/cogloop/cogloop/internal/operation"
)

var runGoal string

// newRunCmd builds the "run" subcommand, which starts one operation
// pursuing the goal given by --goal and blocks until it reaches a
// terminal status or the process receives an interrupt.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one Planner-Executor-Reflector operation and wait for it to finish.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runGoal == "" {
				return fmt.Errorf("--goal is required")
			}

			var cfg config.Config
			if err := viper.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("failed to unmarshal config: %w", err)
			}

			logger := observability.GetLogger()
			rt, err := operation.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to build operation runtime: %w", err)
			}
			defer rt.Close(cmd.Context())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h := rt.StartOperation(ctx, runGoal, operation.StartOptions{})
			status, runErr := h.Wait(ctx)
			cmd.Printf("operation %s finished with status=%s\n", h.ID, status)
			return runErr
		},
	}
	cmd.Flags().StringVar(&runGoal, "goal", "", "the mission goal for the operation to pursue")
	return cmd
}
