package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionReportCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Query a running coordinator session",
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the coordinator's current round/phase/worker-health status",
	RunE:  runSessionStatus,
}

var sessionReportCmd = &cobra.Command{
	Use:   "report SESSION_ID",
	Short: "Print a session's per-worker contribution report",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionReport,
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	return fetchAndPrint(apiAddr + "/status")
}

func runSessionReport(cmd *cobra.Command, args []string) error {
	return fetchAndPrint(apiAddr + "/sessions/" + args[0] + "/report")
}

func fetchAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, string(body))
	}

	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Fprintln(os.Stdout, string(body))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stdout, string(body))
		return nil
	}
	fmt.Fprintln(os.Stdout, string(pretty))
	return nil
}
