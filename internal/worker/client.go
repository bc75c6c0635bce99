package worker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
	"pkg.jsn.cam/chunkdist/pkg/httpx"
)

// Client handles HTTP communication with the master and with peer data servers
type Client struct {
	json      *httpx.Client
	masterURL string
}

// NewClient creates a new worker client
func NewClient(masterURL string) *Client {
	return &Client{
		masterURL: masterURL,
		// Safety net when the caller sets no context deadline
		json: httpx.NewClient(30 * time.Second),
	}
}

func (c *Client) postJSON(ctx context.Context, url string, req, resp any) error {
	_, err := c.json.PostJSON(ctx, url, req, resp)
	return err
}

func (c *Client) getJSON(ctx context.Context, url string, resp any) error {
	_, err := c.json.GetJSON(ctx, url, resp)
	return err
}

// Register registers this worker with the master
func (c *Client) Register(ctx context.Context, req protocol.WorkerRegistrationRequest) (*protocol.WorkerRegistrationResponse, error) {
	var regResp protocol.WorkerRegistrationResponse
	if err := c.postJSON(ctx, c.masterURL+"/api/workers/register", req, &regResp); err != nil {
		return nil, fmt.Errorf("%w: %w", chunkdist.ErrRegistrationFailed, err)
	}

	if !regResp.Success {
		return nil, fmt.Errorf("%w: %s", chunkdist.ErrRegistrationFailed, regResp.Error)
	}

	return &regResp, nil
}

// GetNextTask requests the next assignment from master
func (c *Client) GetNextTask(ctx context.Context, workerID string) (*protocol.Assignment, error) {
	u := fmt.Sprintf("%s/api/tasks/next?workerID=%s", c.masterURL, url.QueryEscape(workerID))

	var a protocol.Assignment
	if err := c.getJSON(ctx, u, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", chunkdist.ErrGetTaskFailed, err)
	}

	return &a, nil
}

// CompleteTask reports a task's outcome to master
func (c *Client) CompleteTask(ctx context.Context, taskID, workerID string, req protocol.TaskCompletionRequest) (*protocol.TaskCompletionResponse, error) {
	u := fmt.Sprintf("%s/api/tasks/%s/complete?workerID=%s",
		c.masterURL, url.PathEscape(taskID), url.QueryEscape(workerID))

	var resp protocol.TaskCompletionResponse
	if err := c.postJSON(ctx, u, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", chunkdist.ErrCompleteTaskFailed, err)
	}

	return &resp, nil
}

// SendHeartbeat reports liveness and the cache gauge to master
func (c *Client) SendHeartbeat(ctx context.Context, workerID string, numCachedSources int) (*protocol.HeartbeatResponse, error) {
	req := protocol.HeartbeatRequest{
		Timestamp:        time.Now(),
		NumCachedSources: numCachedSources,
	}

	u := fmt.Sprintf("%s/api/workers/%s/heartbeat", c.masterURL, url.PathEscape(workerID))

	var resp protocol.HeartbeatResponse
	if err := c.postJSON(ctx, u, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", chunkdist.ErrHeartbeatFailed, err)
	}

	return &resp, nil
}

// FetchCacheKeys asks a worker's data server which files it holds open
func (c *Client) FetchCacheKeys(ctx context.Context, workerEndpoint string) (*protocol.CacheKeysResponse, error) {
	var resp protocol.CacheKeysResponse
	if err := c.getJSON(ctx, workerEndpoint+"/cache/keys", &resp); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", chunkdist.ErrWorkerUnreachable, workerEndpoint, err)
	}

	return &resp, nil
}

// ClearCache asks a worker's data server to evict every source
func (c *Client) ClearCache(ctx context.Context, workerEndpoint string) error {
	if err := c.postJSON(ctx, workerEndpoint+"/cache/clear", struct{}{}, nil); err != nil {
		return fmt.Errorf("%w: %s: %w", chunkdist.ErrWorkerUnreachable, workerEndpoint, err)
	}

	return nil
}

// CancelTasks asks a worker's data server to stop running tasks, or to
// stop everything when req.Kill is set
func (c *Client) CancelTasks(ctx context.Context, workerEndpoint string, req protocol.CancelTasksRequest) (*protocol.CancelTasksResponse, error) {
	var resp protocol.CancelTasksResponse
	if err := c.postJSON(ctx, workerEndpoint+"/tasks/cancel", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", chunkdist.ErrWorkerUnreachable, workerEndpoint, err)
	}

	return &resp, nil
}
