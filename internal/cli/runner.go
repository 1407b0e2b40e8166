package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/ppiankov/proofvault/internal/runner"
	"github.com/ppiankov/proofvault/internal/sandbox"
)

func init() {
	rootCmd.AddCommand(runnerCmd)
}

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Serve the isolated SQL runner on stdio (spawned by the gateway)",
	Long: "Runs the execute_sql MCP tool for a single role. The gateway starts this\n" +
		"process per call in isolated execution mode and passes the role credential via\n" +
		sandbox.RunnerDSNEnv + " and " + sandbox.RunnerRoleEnv + ". Not meant to be run by hand.",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE:   runRunner,
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	srv, err := runner.FromEnv(cfg.Execution.Limits, logger.With("component", "runner"))
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
