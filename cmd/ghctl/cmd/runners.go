package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// runnersCmd represents the runners command
var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "Manage runners",
	Long:  `Commands for listing and removing runners registered with the gatehouse master.`,
}

var runnersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered runners",
	RunE:  runRunnersList,
}

var runnersRemoveCmd = &cobra.Command{
	Use:   "remove <runner-id>",
	Short: "Deregister a runner",
	Long:  `Remove a runner from the master. A removed runner stops receiving jobs; it can re-register at any time.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunnersRemove,
}

func init() {
	rootCmd.AddCommand(runnersCmd)
	runnersCmd.AddCommand(runnersListCmd)
	runnersCmd.AddCommand(runnersRemoveCmd)
}

type toolchainInfo struct {
	CargoVersion  string `json:"cargo_version,omitempty"`
	RustupPresent bool   `json:"rustup_present"`
	DFXVersion    string `json:"dfx_version,omitempty"`
}

type runnerResponse struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Address       string        `json:"address"`
	CPUThreads    int           `json:"cpu_threads"`
	CPUModel      string        `json:"cpu_model"`
	RAMTotalBytes uint64        `json:"ram_total_bytes"`
	Toolchain     toolchainInfo `json:"toolchain"`
	Status        string        `json:"status"`
	CurrentJobID  string        `json:"current_job_id,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

type runnersListResponse struct {
	Runners []runnerResponse `json:"runners"`
	Count   int              `json:"count"`
}

func runRunnersList(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/runners", GetMasterURL())

	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result runnersListResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Status", "Threads", "RAM", "Cargo", "dfx", "Job", "Last Heartbeat")

	for _, runner := range result.Runners {
		cargo := runner.Toolchain.CargoVersion
		if cargo == "" {
			cargo = "-"
		}
		dfx := runner.Toolchain.DFXVersion
		if dfx == "" {
			dfx = "-"
		}
		currentJob := runner.CurrentJobID
		if currentJob == "" {
			currentJob = "-"
		} else {
			currentJob = shortSHA(currentJob)
		}

		table.Append(
			runner.Name,
			runner.Status,
			fmt.Sprintf("%d", runner.CPUThreads),
			fmt.Sprintf("%.1f GB", float64(runner.RAMTotalBytes)/(1024*1024*1024)),
			cargo,
			dfx,
			currentJob,
			runner.LastHeartbeat.Format("15:04:05"),
		)
	}

	table.Render()
	fmt.Printf("\nTotal runners: %d\n", result.Count)
	return nil
}

func runRunnersRemove(cmd *cobra.Command, args []string) error {
	runnerID := args[0]
	url := fmt.Sprintf("%s/runners/%s", GetMasterURL(), runnerID)

	httpReq, err := CreateAuthenticatedRequest("DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("✓ Runner %s removed successfully\n", runnerID)
	return nil
}
