package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	// Run submit flags
	submitRepo     string
	submitSHA      string
	submitRef      string
	submitPipeline string
	submitPR       int

	// Run status flags
	followRun bool
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage pipeline runs",
	Long:  `Commands for submitting, listing, and managing pipeline runs on the gatehouse master.`,
}

var runsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new run",
	Long:  `Trigger a pipeline run for a specific repository commit.`,
	RunE:  runRunsSubmit,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Get run status",
	Long:  `Retrieve the status of a run and its jobs. If no ID is provided, lists all runs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunsStatus,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Long:  `Cancel every job of a run that has not already finished.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsSubmitCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsCancelCmd)

	runsSubmitCmd.Flags().StringVar(&submitRepo, "repo", "", "repository (required, e.g. acme/widgets)")
	runsSubmitCmd.Flags().StringVar(&submitSHA, "sha", "", "commit SHA to verify (required)")
	runsSubmitCmd.Flags().StringVar(&submitRef, "ref", "", "branch or ref name")
	runsSubmitCmd.Flags().StringVar(&submitPipeline, "pipeline", "", "pipeline name (default: verify)")
	runsSubmitCmd.Flags().IntVar(&submitPR, "pr", 0, "associated pull request number")
	runsSubmitCmd.MarkFlagRequired("repo")
	runsSubmitCmd.MarkFlagRequired("sha")

	runsStatusCmd.Flags().BoolVar(&followRun, "follow", false, "poll run status every 2 seconds until completion")
}

type runRequest struct {
	Repo      string `json:"repo"`
	Ref       string `json:"ref,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	PRNumber  int    `json:"pr_number,omitempty"`
	Event     string `json:"event,omitempty"`
	Pipeline  string `json:"pipeline,omitempty"`
}

type runResponse struct {
	ID          string     `json:"id"`
	Number      int        `json:"number"`
	Repo        string     `json:"repo"`
	Ref         string     `json:"ref,omitempty"`
	CommitSHA   string     `json:"commit_sha"`
	PRNumber    int        `json:"pr_number,omitempty"`
	Event       string     `json:"event"`
	Pipeline    string     `json:"pipeline"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type jobSummary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	RunnerName  string     `json:"runner_name,omitempty"`
	ExitCode    int        `json:"exit_code"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type runDetailResponse struct {
	Run  runResponse  `json:"run"`
	Jobs []jobSummary `json:"jobs"`
}

type runsListResponse struct {
	Runs  []runResponse `json:"runs"`
	Count int           `json:"count"`
}

func runRunsSubmit(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/runs", GetMasterURL())

	req := runRequest{
		Repo:      submitRepo,
		CommitSHA: submitSHA,
		Ref:       submitRef,
		PRNumber:  submitPR,
		Pipeline:  submitPipeline,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result runResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")

		table.Append("Run #", fmt.Sprintf("%d", result.Number))
		table.Append("Repo", result.Repo)
		table.Append("Commit", shortSHA(result.CommitSHA))
		table.Append("Pipeline", result.Pipeline)
		table.Append("Status", result.Status)
		table.Append("Created At", result.CreatedAt.Format(time.RFC3339))

		table.Render()
		fmt.Printf("\nRun submitted successfully! Run #%d (%s)\n", result.Number, result.ID)
	}

	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listAllRuns()
	}

	runID := args[0]

	if followRun {
		fmt.Printf("Following run %s (press Ctrl+C to stop)...\n\n", runID)
		for {
			result, err := fetchRunDetail(runID)
			if err != nil {
				return err
			}

			fmt.Print("\033[H\033[2J")
			displayRunDetail(result)

			if result.Run.Status == "passed" || result.Run.Status == "failed" || result.Run.Status == "canceled" {
				fmt.Println("\n✓ Run reached terminal state")
				break
			}

			time.Sleep(2 * time.Second)
		}
		return nil
	}

	result, err := fetchRunDetail(runID)
	if err != nil {
		return err
	}
	displayRunDetail(result)
	return nil
}

func listAllRuns() error {
	url := fmt.Sprintf("%s/runs", GetMasterURL())

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

	var result runsListResponse
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
	table.Header("Run #", "Repo", "Commit", "Event", "Pipeline", "Status", "Created")

	for _, run := range result.Runs {
		table.Append(
			fmt.Sprintf("%d", run.Number),
			run.Repo,
			shortSHA(run.CommitSHA),
			run.Event,
			run.Pipeline,
			run.Status,
			run.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	table.Render()
	fmt.Printf("\nTotal runs: %d\n", result.Count)
	return nil
}

func fetchRunDetail(runID string) (*runDetailResponse, error) {
	url := fmt.Sprintf("%s/runs/%s", GetMasterURL(), runID)

	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result runDetailResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func displayRunDetail(result *runDetailResponse) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Run #", fmt.Sprintf("%d", result.Run.Number))
	table.Append("Repo", result.Run.Repo)
	table.Append("Commit", shortSHA(result.Run.CommitSHA))
	if result.Run.Ref != "" {
		table.Append("Ref", result.Run.Ref)
	}
	if result.Run.PRNumber > 0 {
		table.Append("PR", fmt.Sprintf("#%d", result.Run.PRNumber))
	}
	table.Append("Event", result.Run.Event)
	table.Append("Pipeline", result.Run.Pipeline)
	table.Append("Status", result.Run.Status)
	table.Append("Created At", result.Run.CreatedAt.Format(time.RFC3339))
	if result.Run.CompletedAt != nil {
		table.Append("Completed At", result.Run.CompletedAt.Format(time.RFC3339))
	}
	table.Render()

	fmt.Println()

	jobTable := tablewriter.NewWriter(os.Stdout)
	jobTable.Header("Job", "Status", "Runner", "Exit", "Duration", "Error")

	for _, job := range result.Jobs {
		runnerName := job.RunnerName
		if runnerName == "" {
			runnerName = "-"
		}
		duration := "-"
		if job.StartedAt != nil && job.CompletedAt != nil {
			duration = job.CompletedAt.Sub(*job.StartedAt).Round(time.Second).String()
		}
		errDisplay := job.Error
		if errDisplay == "" {
			errDisplay = "-"
		}
		jobTable.Append(
			job.Name,
			job.Status,
			runnerName,
			fmt.Sprintf("%d", job.ExitCode),
			duration,
			errDisplay,
		)
	}

	jobTable.Render()
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	runID := args[0]
	url := fmt.Sprintf("%s/runs/%s/cancel", GetMasterURL(), runID)

	httpReq, err := CreateAuthenticatedRequest("POST", url, nil)
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

	fmt.Printf("✓ Run %s canceled successfully\n", runID)
	return nil
}

// shortSHA truncates a commit SHA for display
func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
