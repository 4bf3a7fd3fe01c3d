package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/client"
)

var (
	serverURL     string
	decisionActor string
	statusExecute bool
	backupsFilter string
	historyLimit  int
)

func init() {
	for _, c := range []*cobra.Command{approveCmd, denyCmd, statusCmd, checkUpdatesCmd, backupsCmd, historyCmd, systemStatusCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "patchgate base URL (default: server.self_url)")
		rootCmd.AddCommand(c)
	}
	approveCmd.Flags().StringVar(&decisionActor, "by", "", "Name recorded as the approver (default: current user)")
	denyCmd.Flags().StringVar(&decisionActor, "by", "", "Name recorded as the approver (default: current user)")
	statusCmd.Flags().BoolVar(&statusExecute, "execute", false, "Run the change if the request is approved (same as check_approval_status)")
	backupsCmd.Flags().StringVar(&backupsFilter, "component", "", "Only backups for this component")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", audit.DefaultHistoryLimit, "Number of events to show")
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Long:  "Approves a pending approval request. The change runs the next time the requester checks its status.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecision(true),
}

var denyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request",
	Long:  "Denies a pending approval request. A denied request never executes.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecision(false),
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show an approval request",
	Long:  "Shows an approval request without side effects. With --execute, an approved request is run once and its result printed.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var checkUpdatesCmd = &cobra.Command{
	Use:   "check-updates [component]",
	Short: "Compare deployed versions with upstream releases",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheckUpdates,
}

var systemStatusCmd = &cobra.Command{
	Use:   "system-status",
	Short: "Show version and health of every component",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteJSON(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.SystemStatus(ctx)
		})
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List database backups available for rollback",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteJSON(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.Backups(ctx, backupsFilter)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent update history from the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteJSON(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.History(ctx, historyLimit)
		})
	},
}

// remoteClient builds a client from configuration and --server.
func remoteClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := serverURL
	if base == "" {
		base = cfg.Server.SelfURL
	}
	if cfg.Server.ServiceToken == "" {
		return nil, fmt.Errorf("server.service_token is not set (PATCHGATE_SERVER_SERVICE_TOKEN)")
	}
	return client.New(base, cfg.Server.ServiceToken), nil
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}

func runDecision(approve bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := remoteClient()
		if err != nil {
			return err
		}
		actor := decisionActor
		if actor == "" {
			actor = defaultActor()
		}

		id := args[0]
		decide, verb := c.Deny, "Denied"
		if approve {
			decide, verb = c.Approve, "Approved"
		}
		req, err := decide(cmd.Context(), id, actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s) by %s\n", verb, req.ID, req.Action, req.Details.Component, actor)
		return nil
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]
	if statusExecute {
		return remoteJSON(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.CheckStatus(ctx, id)
		})
	}

	c, err := remoteClient()
	if err != nil {
		return err
	}
	req, err := c.GetApproval(cmd.Context(), id)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(req, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runCheckUpdates(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	return remoteJSON(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
		return c.CheckUpdates(ctx, name)
	})
}

// remoteJSON runs call and pretty-prints its JSON answer.
func remoteJSON(cmd *cobra.Command, call func(context.Context, *client.Client) (json.RawMessage, error)) error {
	c, err := remoteClient()
	if err != nil {
		return err
	}
	raw, err := call(cmd.Context(), c)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
