package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/policy"
)

var (
	initMode  string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.proofvault) or system (/etc/proofvault)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap proofvault configuration and a starter policy",
	Long: `Creates the config directory with a gateway config and a starter policy.

User mode (default):  writes to ~/.proofvault/
System mode:          writes to /etc/proofvault/ (requires root)

The starter policy grants the user role the public transactions table and
the admin role the KYC table as well. Edit it before pointing the gateway at
a real database.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	var created []string

	policyPath := filepath.Join(configDir, "policy.yaml")
	policyContent, err := starterPolicyYAML()
	if err != nil {
		return fmt.Errorf("generate starter policy: %w", err)
	}
	if wrote, err := writeIfMissing(policyPath, policyContent); err != nil {
		return err
	} else if wrote {
		created = append(created, policyPath)
	}

	configPath := filepath.Join(configDir, "proofvault.yaml")
	if wrote, err := writeIfMissing(configPath, starterConfigYAML(policyPath)); err != nil {
		return err
	} else if wrote {
		created = append(created, configPath)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "proofvault init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Validate the policy:")
	fmt.Fprintf(out, "  proofvault policy validate %s\n", policyPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Set the role credentials, then ask a question:")
	fmt.Fprintln(out, "  export DATA_DB_USER_URL=postgres://qg_user@localhost/fintech")
	fmt.Fprintln(out, "  export DATA_DB_ADMIN_URL=postgres://qg_admin@localhost/fintech")
	fmt.Fprintln(out, `  proofvault query --sub u-1 "spend by category"`)
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/proofvault", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".proofvault"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// starterPolicyYAML renders a commented two-role policy document.
func starterPolicyYAML() (string, error) {
	scope := policy.Scope{OrgID: "org_demo", AllowedAccountIDs: []string{"acc_001", "acc_002"}}
	transactions := policy.Table{
		Name:    "transactions_public.transactions",
		Columns: []string{"tx_id", "account_id", "posted_at", "amount_cents", "direction", "category", "status"},
	}
	doc := policy.Document{Roles: map[model.Role]policy.AuthorizedSchema{
		model.RoleUser: {Databases: []policy.Database{{
			Name:      "fintech",
			Tables:    []policy.Table{transactions},
			Scope:     scope,
			Clearance: string(model.ClearanceAnalyst),
		}}},
		model.RoleAdmin: {Databases: []policy.Database{{
			Name: "fintech",
			Tables: []policy.Table{
				transactions,
				{Name: "kyc_private.customers_pii"},
				{Name: "risk_private.risk_flags"},
			},
			Scope:     scope,
			Clearance: string(model.ClearanceCompliance),
		}}},
	}}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	header := "# proofvault policy: the tables each role may query.\n" +
		"# Tables must be schema-qualified. The first database's scope and clearance\n" +
		"# bind the transaction (app.org_id, app.allowed_account_ids, SET ROLE).\n" +
		"#\n" +
		"# Validate with: proofvault policy validate <this file>\n\n"
	return header + string(data), nil
}

func starterConfigYAML(policyPath string) string {
	return fmt.Sprintf(`# proofvault gateway configuration.
# Every key can be overridden with PROOFVAULT_<SECTION>_<KEY>, e.g.
# PROOFVAULT_EXECUTION_MODE=isolated. Role DSNs also honour
# DATA_DB_USER_URL and DATA_DB_ADMIN_URL.

policy:
  source: file
  path: %s
  watch: true
  cache_ttl: 30s

guard:
  default_limit: 100
  sensitive_schemas: [kyc_private, risk_private]

execution:
  mode: pooled
  limits:
    statement_timeout: 2s
    lock_timeout: 500ms
    idle_in_transaction_timeout: 5s

audit:
  store: file
  path: %s

planner:
  kind: stub

logging:
  level: info
  format: text
`, policyPath, filepath.Join(filepath.Dir(policyPath), "receipts.jsonl"))
}
