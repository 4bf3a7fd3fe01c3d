package cli

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ppiankov/patchgate/internal/audit"
)

var (
	tailLines     int
	tailJSON      bool
	tailComponent string
	tailAction    string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 20, "Number of recent entries to show")
	auditTailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print raw JSON entries")
	auditTailCmd.Flags().StringVar(&tailComponent, "component", "", "Only entries for this component")
	auditTailCmd.Flags().StringVar(&tailAction, "action", "", "Only entries with this action")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log. Both read the file directly and work while serve is running.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Prints the chain head and a count per action.\nExits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N entries from the JSONL audit log and prints them oldest first.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

// auditPath returns the explicit argument or the configured audit.path.
func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Audit.Path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if !result.Valid {
		return fmt.Errorf("audit chain broken at line %d: %s", result.ErrorLine, result.Error)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "OK: %d entries verified\n", result.Lines)
	fmt.Fprintf(out, "head: %s\n", result.Head)
	actions := make([]string, 0, len(result.Actions))
	for a := range result.Actions {
		actions = append(actions, a)
	}
	slices.Sort(actions)
	for _, a := range actions {
		fmt.Fprintf(out, "  %-24s %d\n", a, result.Actions[a])
	}
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	events, err := audit.ReadHistory(path, tailLines, audit.Filter{
		Component: tailComponent,
		Action:    tailAction,
	})
	if err != nil {
		return err
	}
	// History is newest first; a tail reads top to bottom.
	slices.Reverse(events)

	out := cmd.OutOrStdout()
	if tailJSON {
		enc := json.NewEncoder(out)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}
	fmt.Fprint(out, audit.FormatTimeline(events))
	return nil
}
