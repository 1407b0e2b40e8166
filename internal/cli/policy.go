package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/proofvault/internal/app"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/policy"
	"github.com/ppiankov/proofvault/internal/policydiff"
)

var (
	policyShowRole   string
	policyDiffFormat string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyDiffCmd)
	policyDiffCmd.Flags().StringVar(&policyDiffFormat, "format", "text", "Output format: text or json")
	policyShowCmd.Flags().StringVar(&policyShowRole, "role", string(model.RoleUser), "Role to resolve: user or admin")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Authorized schema operations",
	Long:  "Commands for inspecting and validating role policy documents.",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the authorized schema a role resolves to",
	Long: "Resolves the role through the configured policy source (file or Redis)\n" +
		"and prints the schema the planner is allowed to see.",
	Args: cobra.NoArgs,
	RunE: runPolicyShow,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a policy document",
	Long: "Parses a policy YAML file, validates it against the document schema and\n" +
		"reports each role's execution readiness. Exits 1 if the document is invalid.",
	Args: cobra.ExactArgs(1),
	RunE: runPolicyValidate,
}

var policyDiffCmd = &cobra.Command{
	Use:   "diff <old> <new>",
	Short: "Compare grants between two policy documents",
	Long: "Shows per-role table and account grants added or revoked, plus clearance\n" +
		"and scope changes. Both documents are validated before comparison.",
	Args: cobra.ExactArgs(2),
	RunE: runPolicyDiff,
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	role, err := model.ParseRole(policyShowRole)
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

	schema, err := resolver.Resolve(cmd.Context(), role)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if schema.Empty() {
		fmt.Fprintf(out, "# role %s has no authorized tables\n", role)
		return nil
	}
	data, err := yaml.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	fmt.Fprint(out, string(data))
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	doc, hash, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "OK: %s\n", args[0])
	fmt.Fprintf(out, "Hash: %s\n", hash)
	for _, role := range []model.Role{model.RoleUser, model.RoleAdmin} {
		schema, _ := doc.Resolve(cmd.Context(), role)
		status := "ready"
		if err := schema.ExecutionReady(); err != nil {
			status = "not executable: " + err.Error()
		}
		fmt.Fprintf(out, "  %-6s %d table(s), %s\n", role, len(schema.TableNames()), status)
	}
	return nil
}

func runPolicyDiff(cmd *cobra.Command, args []string) error {
	oldDoc, _, err := policy.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}
	newDoc, _, err := policy.LoadFile(args[1])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[1], err)
	}

	result := policydiff.Diff(oldDoc, newDoc)
	result.OldPath = args[0]
	result.NewPath = args[1]

	out := cmd.OutOrStdout()
	switch policyDiffFormat {
	case "json":
		s, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	case "text", "":
		fmt.Fprint(out, policydiff.FormatText(result))
	default:
		return fmt.Errorf("unknown format %q: use text or json", policyDiffFormat)
	}
	return nil
}
