package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	askSession string
	askServer  string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a running server a question",
	Long: `Send one question to a running biblechat server and print the answer.
Pass --session with the id printed by a previous call to continue that conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "session id to continue")
	askCmd.Flags().StringVar(&askServer, "server", defaultServerURL, "server base URL")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("question must not be empty")
	}

	client := newAPIClient(askServer, 2*time.Minute)
	res, err := client.ask(cmd.Context(), askSession, question)
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Resposta)
	fmt.Fprintf(out, "\nsession: %s\n", res.SessionID)
	return nil
}
