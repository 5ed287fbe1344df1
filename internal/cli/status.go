package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Show the status of a running biblechat server by calling its health endpoint.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", defaultServerURL, "server base URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	health, err := newAPIClient(statusServer, 5*time.Second).health(cmd.Context())
	if err != nil {
		fmt.Fprintln(out, "Status: stopped")
		fmt.Fprintf(out, "Error: %v\n", err)
		return nil
	}

	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Uptime: %s\n", health.Uptime)
	fmt.Fprintf(out, "Sessions: %d\n", health.Sessions)
	fmt.Fprintf(out, "WebSocket clients: %d\n", health.Clients)
	return nil
}
