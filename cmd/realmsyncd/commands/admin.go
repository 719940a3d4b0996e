package commands

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arcusdb/realmsync/internal/cli/prompt"
	"github.com/arcusdb/realmsync/pkg/config"
)

var (
	adminAddr  string
	adminToken string
	deleteYes  bool
)

var compactCmd = &cobra.Command{
	Use:   "compact [virtual-path]",
	Short: "Trigger compaction on one realm, or every open realm if omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCompact,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <virtual-path>",
	Short: "Delete a realm and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	for _, c := range []*cobra.Command{compactCmd, deleteCmd} {
		c.Flags().StringVar(&adminAddr, "admin-addr", "", "admin HTTP address (default: from config)")
		c.Flags().StringVar(&adminToken, "token", "", "bearer token (default: $REALMSYNC_TOKEN)")
	}
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "skip the confirmation prompt")

	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(deleteCmd)
}

func resolveAdminAddr() string {
	if adminAddr != "" {
		return trimListenAddr(adminAddr)
	}
	if cfg, err := config.Load(GetConfigFile()); err == nil && cfg.Admin.Listen != "" {
		return trimListenAddr(cfg.Admin.Listen)
	}
	return "localhost:9090"
}

func resolveToken() string {
	if adminToken != "" {
		return adminToken
	}
	return os.Getenv("REALMSYNC_TOKEN")
}

func adminRequest(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", resolveAdminAddr(), path), nil)
	if err != nil {
		return nil, err
	}
	if token := resolveToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func runCompact(cmd *cobra.Command, args []string) error {
	path := "/api/compact/"
	if len(args) == 1 {
		path = "/api/compact/" + strings.TrimPrefix(args[0], "/")
	}
	resp, err := adminRequest(http.MethodPost, path)
	if err != nil {
		return fmt.Errorf("compact request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return printAdminResponse(resp)
}

func runDelete(cmd *cobra.Command, args []string) error {
	vpath := args[0]

	if !deleteYes {
		ok, err := prompt.ConfirmDanger(fmt.Sprintf("This permanently deletes realm %q", vpath), vpath)
		if err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("aborted")
				return nil
			}
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	resp, err := adminRequest(http.MethodDelete, "/api/realm/"+strings.TrimPrefix(vpath, "/"))
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return printAdminResponse(resp)
}

func printAdminResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin server responded %s: %s", resp.Status, body)
	}
	fmt.Println(string(body))
	return nil
}
