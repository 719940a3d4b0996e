package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arcusdb/realmsync/internal/cli/output"
	"github.com/arcusdb/realmsync/pkg/config"
)

var statusAdminAddr string
var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status via the admin HTTP surface",
	Long: `Display the current status of a running realmsyncd server by querying
its admin HTTP readiness probe.

Examples:
  # Check status using the configured admin listen address
  realmsyncd status

  # Check status against a specific admin address
  realmsyncd status --admin-addr localhost:9090`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAdminAddr, "admin-addr", "", "admin HTTP address to query (default: from config)")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format (table|json|yaml)")
}

type serverStatus struct {
	Running bool   `json:"running" yaml:"running"`
	Healthy bool   `json:"healthy" yaml:"healthy"`
	Message string `json:"message" yaml:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	addr := statusAdminAddr
	if addr == "" {
		if cfg, err := config.Load(GetConfigFile()); err == nil {
			addr = cfg.Admin.Listen
		}
	}
	if addr == "" {
		addr = ":9090"
	}

	status := queryStatus(addr)

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		printStatusTable(status)
	}
	return nil
}

func queryStatus(addr string) serverStatus {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/readyz", trimListenAddr(addr)))
	if err != nil {
		return serverStatus{Message: fmt.Sprintf("server is not reachable at %s: %v", addr, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode == http.StatusOK {
		return serverStatus{Running: true, Healthy: true, Message: "server is running and ready"}
	}
	return serverStatus{Running: true, Healthy: false, Message: "server is running but not ready"}
}

// trimListenAddr rewrites a bare ":9090"-style listen address into
// "localhost:9090" for client use.
func trimListenAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func printStatusTable(status serverStatus) {
	fmt.Println()
	fmt.Println("realmsyncd Server Status")
	fmt.Println("========================")
	fmt.Println()
	if status.Healthy {
		fmt.Printf("  Status:  \033[32m● Running\033[0m\n")
	} else if status.Running {
		fmt.Printf("  Status:  \033[33m● Running (not ready)\033[0m\n")
	} else {
		fmt.Printf("  Status:  \033[31m○ Unreachable\033[0m\n")
	}
	fmt.Printf("  %s\n", status.Message)
	fmt.Println()
}
