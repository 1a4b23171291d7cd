package runner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
	"github.com/gatehouse-ci/gatehouse/pkg/retry"
)

// Client manages communication with the master
type Client struct {
	masterURL   string
	httpClient  *http.Client
	runnerID    string
	apiKey      string
	runnerToken string
	retryCfg    retry.Config
}

// NewClient creates a new runner client
func NewClient(masterURL string) *Client {
	return &Client{
		masterURL: masterURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryCfg: retry.DefaultConfig(),
	}
}

// NewClientWithTLS creates a new runner client with TLS support
func NewClientWithTLS(masterURL string, tlsConfig *tls.Config) *Client {
	c := NewClient(masterURL)
	c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return c
}

// SetAPIKey sets the API key for authentication
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// RunnerID returns the ID assigned by the master at registration
func (c *Client) RunnerID() string {
	return c.runnerID
}

func (c *Client) addAuthHeader(req *http.Request) {
	if c.runnerToken != "" && c.runnerID != "" {
		req.Header.Set("Authorization", "Bearer "+c.runnerToken)
		req.Header.Set("X-Runner-ID", c.runnerID)
		return
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Register registers the runner with the master. Registration retries on
// transient failures so an agent can boot before its master.
func (c *Client) Register(ctx context.Context, reg *models.RunnerRegistration) (*models.Runner, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration: %w", err)
	}

	var runner models.Runner
	err = retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", c.masterURL+"/runners/register", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.addAuthHeader(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send registration: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, string(body))
		}
		c.runnerToken = resp.Header.Get("X-Runner-Token")
		return json.NewDecoder(resp.Body).Decode(&runner)
	})
	if err != nil {
		return nil, err
	}

	c.runnerID = runner.ID
	return &runner, nil
}

// SendHeartbeat sends a heartbeat to the master
func (c *Client) SendHeartbeat(ctx context.Context) error {
	if c.runnerID == "" {
		return fmt.Errorf("runner not registered")
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/runners/%s/heartbeat", c.masterURL, c.runnerID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("heartbeat failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetNextJob retrieves the next queued job, nil when the queue is empty
func (c *Client) GetNextJob(ctx context.Context) (*models.Job, error) {
	if c.runnerID == "" {
		return nil, fmt.Errorf("runner not registered")
	}

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/jobs/next?runner_id=%s", c.masterURL, c.runnerID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get next job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get next job failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Job *models.Job `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return result.Job, nil
}

// SendResults sends a finished job's result to the master. Delivery
// retries with backoff so a master restart does not lose a completed
// job; the steps themselves are never re-run.
func (c *Client) SendResults(ctx context.Context, result *models.JobResult) error {
	result.RunnerID = c.runnerID
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	return retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", c.masterURL+"/results", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.addAuthHeader(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send results: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("send results failed with status %d: %s", resp.StatusCode, string(body))
		}
		return nil
	})
}

// JobStarted tells the master the runner has begun executing a job
func (c *Client) JobStarted(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/jobs/%s/start", c.masterURL, jobID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to mark job started: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("job start failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// JobCanceled asks the master whether a job was canceled while running
func (c *Client) JobCanceled(ctx context.Context, jobID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/jobs/%s", c.masterURL, jobID), nil)
	if err != nil {
		return false, err
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("job lookup failed with status %d", resp.StatusCode)
	}

	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return false, err
	}
	return job.Status == models.JobStatusCanceled, nil
}
