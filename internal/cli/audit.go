package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/proofvault/internal/app"
	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/model"
)

var (
	auditSub    string
	auditRole   string
	auditEvent  string
	auditUser   string
	auditLimit  int
	auditFormat string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	addSessionFlags(auditListCmd, &auditSub, &auditRole)
	auditListCmd.Flags().StringVar(&auditEvent, "event", "", "Filter by event type (EXECUTED|DENIED)")
	auditListCmd.Flags().StringVar(&auditUser, "user", "", "Filter by user id (admin only; ignored for other roles)")
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 0, "Maximum receipts to show (1-100, default 20)")
	auditListCmd.Flags().StringVarP(&auditFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit receipt operations",
	Long:  "Commands for listing receipts and verifying the hash-chained receipt log.",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit receipts visible to a caller",
	Long: "Lists receipts from the configured store, newest first.\n" +
		"Non-admin callers only ever see their own receipts.",
	Args: cobra.NoArgs,
	RunE: runAuditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of a receipt log",
	Long: "Walks the JSONL receipt log and validates that every entry's prev_hash\n" +
		"matches the SHA-256 of the previous entry and that no workflow has two\n" +
		"receipts. Exits 0 if valid, 1 if tampered.",
	Args: cobra.ExactArgs(1),
	RunE: runAuditVerify,
}

func runAuditList(cmd *cobra.Command, args []string) error {
	eventType, err := audit.ParseEventType(auditEvent)
	if err != nil {
		return err
	}
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cmd.Context(), cfg.Audit)
	if err != nil {
		return err
	}
	ledger := audit.NewLedger(store)
	defer ledger.Close()

	receipts, err := ledger.List(cmd.Context(),
		model.Session{SubjectID: auditSub, Role: model.Role(auditRole)},
		audit.Query{EventType: eventType, UserID: auditUser, Limit: auditLimit},
	)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if auditFormat == "json" {
		s, err := audit.FormatJSON(receipts)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	}
	fmt.Fprint(out, audit.FormatTable(receipts))
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d receipts verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	return fmt.Errorf("receipt log failed verification")
}
