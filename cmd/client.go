package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudego/server/api"
	"github.com/claudego/server/logger"
)

var (
	clientServerURL string
	clientToken     string

	injectFile       string
	injectPermission bool
	pendingJSON      bool
)

var injectCmd = &cobra.Command{
	Use:   "inject <session-id>",
	Short: "Inject messages or a permission request into a session",
	Long: `Send synthetic input to a running server in dev mode.

The payload is read from --file, or from stdin when --file is not given.
By default it is a JSON array of messages:

  [{"type":"assistant","uuid":"a1","content":[{"type":"tool_use",
    "id":"toolu_1","name":"AskUserQuestion","input":{"questions":[...]}}]}]

With --permission it is a single permission request:

  {"tool_use_id":"toolu_2","tool_name":"Bash","tool_input":{"command":"ls"}}

Examples:
  claudego inject demo --file ask.json
  echo '{"tool_use_id":"t1","tool_name":"Bash"}' | claudego inject demo --permission`,
	Args: cobra.ExactArgs(1),
	RunE: runInject,
}

var pendingCmd = &cobra.Command{
	Use:   "pending <session-id>",
	Short: "List undecided permission requests of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runPending,
}

func init() {
	for _, c := range []*cobra.Command{injectCmd, pendingCmd, hookCmd} {
		c.PersistentFlags().StringVar(&clientServerURL, "server", "", "Server URL (default from config, SERVER_URL)")
		c.PersistentFlags().StringVar(&clientToken, "token", "", "Auth token (default from config, AUTH_TOKEN)")
	}

	injectCmd.Flags().StringVarP(&injectFile, "file", "f", "", "Read the payload from a file")
	injectCmd.Flags().BoolVar(&injectPermission, "permission", false, "Payload is a permission request")
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(pendingCmd)
}

func newClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	serverURL, token := cfg.ServerURL, cfg.AuthToken
	if clientServerURL != "" {
		serverURL = clientServerURL
	}
	if clientToken != "" {
		token = clientToken
	}
	if token == "" {
		return nil, fmt.Errorf("no auth token (set AUTH_TOKEN or use --token)")
	}
	return api.NewClient(serverURL, token, nil), nil
}

func runInject(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	var data []byte
	if injectFile != "" {
		data, err = os.ReadFile(injectFile)
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("payload is not valid JSON")
	}

	req := api.InjectRequest{Type: api.InjectMessages, Data: data}
	if injectPermission {
		req.Type = api.InjectPermissionRequest
	}

	resp, err := client.Inject(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var rejected int
	for _, r := range resp.Results {
		if r.Accepted {
			fmt.Fprintf(out, "✓ %s\n", r.ID)
		} else {
			rejected++
			fmt.Fprintf(out, "✗ %s: %s\n", r.ID, r.Error)
		}
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d items rejected", rejected, len(resp.Results))
	}
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	pending, err := client.Pending(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if pendingJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pending)
	}

	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending permission requests.")
		return nil
	}
	for _, p := range pending {
		received := time.UnixMilli(p.ReceivedAt).Format(time.TimeOnly)
		fmt.Fprintf(out, "%s  %-10s %s  %s\n", received, p.ToolName, p.ToolUseID, logger.Truncate(string(p.ToolInput), 60))
	}
	return nil
}
