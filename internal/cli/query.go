package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/proofvault/internal/app"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/orchestrator"
)

var (
	querySub      string
	queryRole     string
	queryEmail    string
	queryApproved bool
	queryFormat   string
)

func init() {
	rootCmd.AddCommand(queryCmd)
	addSessionFlags(queryCmd, &querySub, &queryRole)
	queryCmd.Flags().StringVar(&queryEmail, "email", "", "Caller email recorded in denial receipts")
	queryCmd.Flags().BoolVar(&queryApproved, "approved", false, "Approve a NEEDS_APPROVAL statement (admin only)")
	queryCmd.Flags().StringVarP(&queryFormat, "format", "f", "text", "Output format (text|json)")
}

// addSessionFlags registers the caller identity flags shared by commands
// that act on behalf of a session.
func addSessionFlags(cmd *cobra.Command, sub, role *string) {
	cmd.Flags().StringVar(sub, "sub", "", "Subject id of the caller (required)")
	cmd.Flags().StringVar(role, "role", string(model.RoleUser), "Session role: user or admin")
	cmd.MarkFlagRequired("sub")
}

var queryCmd = &cobra.Command{
	Use:   "query <prompt>",
	Short: "Run one natural-language question through the gateway",
	Long: "Plans SQL for the prompt, lints it against the role's authorized schema,\n" +
		"executes it in a scoped read-only transaction and prints the scrubbed rows.\n\n" +
		"Every outcome writes exactly one audit receipt. Exit code 1 on refusal.",
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.Orchestrator.Handle(ctx, orchestrator.Request{
		Prompt:   strings.Join(args, " "),
		Session:  model.Session{SubjectID: querySub, Role: model.Role(queryRole), Email: queryEmail},
		Approved: queryApproved,
	})
	out := cmd.OutOrStdout()
	if err != nil {
		var denied *orchestrator.DeniedError
		if errors.As(err, &denied) {
			if ferr := printDenied(out, denied, queryFormat); ferr != nil {
				return ferr
			}
			return fmt.Errorf("refused: receipt %s", denied.ReceiptID)
		}
		return err
	}
	return printResponse(out, resp, queryFormat)
}

func printResponse(w io.Writer, resp *orchestrator.Response, format string) error {
	if format == "json" {
		return writeJSON(w, resp)
	}
	fmt.Fprintf(w, "Decision: %s (%s)\n", resp.Decision, resp.Risk)
	fmt.Fprintf(w, "Receipt:  %s\n", resp.ReceiptID)
	fmt.Fprintf(w, "Tables:   %s\n", strings.Join(resp.TablesUsed, ", "))
	if len(resp.Reasons) > 0 {
		fmt.Fprintf(w, "Reasons:  %s\n", strings.Join(resp.Reasons, ", "))
	}
	fmt.Fprintf(w, "SQL:\n  %s\n\n", strings.ReplaceAll(resp.SQL, "\n", "\n  "))
	fmt.Fprintf(w, "%d row(s)\n", len(resp.Result))
	for _, row := range resp.Result {
		line, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		fmt.Fprintln(w, string(line))
	}
	return nil
}

func printDenied(w io.Writer, d *orchestrator.DeniedError, format string) error {
	if format == "json" {
		return writeJSON(w, d)
	}
	fmt.Fprintln(os.Stderr, d.Message)
	fmt.Fprintf(w, "Decision: %s\n", d.Decision)
	fmt.Fprintf(w, "Receipt:  %s\n", d.ReceiptID)
	fmt.Fprintf(w, "Reasons:  %s\n", strings.Join(d.Reasons, ", "))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
