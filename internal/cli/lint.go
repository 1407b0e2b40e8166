package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/proofvault/internal/app"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/orchestrator"
	"github.com/ppiankov/proofvault/internal/sqlguard"
)

var (
	lintRole   string
	lintFormat string
)

func init() {
	rootCmd.AddCommand(lintCmd)
	lintCmd.Flags().StringVar(&lintRole, "role", string(model.RoleUser), "Role whose authorized schema applies: user or admin")
	lintCmd.Flags().StringVarP(&lintFormat, "format", "f", "text", "Output format (text|json)")
}

var lintCmd = &cobra.Command{
	Use:   "lint <sql>",
	Short: "Validate a SQL statement against a role's policy (dry-run)",
	Long: "Runs the SQL guard over a statement exactly as the gateway would, without\n" +
		"planning, executing or writing a receipt.\n\n" +
		"Exit code 0 if the statement may run (possibly after approval), 1 if blocked.",
	Args: cobra.MinimumNArgs(1),
	RunE: runLint,
}

func runLint(cmd *cobra.Command, args []string) error {
	role, err := model.ParseRole(lintRole)
	if err != nil {
		return err
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	resolver, _, closeResolver, err := app.OpenResolver(cfg.Policy, logger)
	if err != nil {
		return err
	}
	defer closeResolver()

	v, err := orchestrator.Lint(cmd.Context(), resolver, sqlguard.New(cfg.Guard), role, strings.Join(args, " "))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if lintFormat == "json" {
		if err := writeJSON(out, v); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Decision: %s (%s)\n", v.Decision, v.Risk)
		fmt.Fprintf(out, "Tables:   %s\n", strings.Join(v.TablesUsed, ", "))
		fmt.Fprintf(out, "Reasons:  %s\n", strings.Join(v.Reasons, ", "))
		if v.SanitizedSQL != "" {
			fmt.Fprintf(out, "SQL:      %s\n", v.SanitizedSQL)
		}
	}
	if !v.OK {
		return fmt.Errorf("statement blocked")
	}
	return nil
}
