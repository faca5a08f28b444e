package jobdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/ccnode/pkg/types"
)

// RPCClient is a Client that talks to a Server over a unix domain
// socket, rather than opening the bbolt file itself. Every worker
// process uses this so only the node controller ever holds the file's
// exclusive lock (spec §2/§5: many independent worker processes share
// one job store).
type RPCClient struct {
	http *http.Client
}

// NewRPCClient returns a client that dials socketPath on each request.
// The socket must be listening by the first call (the node controller
// starts its Server before spawning workers).
func NewRPCClient(socketPath string) *RPCClient {
	return &RPCClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

const rpcBase = "http://jobdb"

func (c *RPCClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcBase+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("job store request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RPCClient) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rpcBase+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("job store request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RPCClient) AllocateJob(ctx context.Context, req AllocateRequest) ([]*types.Job, error) {
	var resp allocateResponse
	if err := c.post(ctx, "/allocate", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Jobs, nil
}

func (c *RPCClient) UpdateJob(ctx context.Context, id string, state types.JobState, update JobUpdate) error {
	var resp errResponse
	if err := c.post(ctx, "/update", updateRequest{ID: id, State: state, Update: update}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func (c *RPCClient) GetJobState(ctx context.Context, id string) (types.JobState, bool, error) {
	var resp stateResponse
	q := url.Values{"id": {id}}
	if err := c.get(ctx, "/state", q, &resp); err != nil {
		return "", false, err
	}
	if resp.Error != "" {
		return "", false, fmt.Errorf("%s", resp.Error)
	}
	return resp.State, resp.Found, nil
}

func (c *RPCClient) UpdateWorker(ctx context.Context, workerID string, supported []string, lastJobTime *time.Time) error {
	var resp errResponse
	req := heartbeatRequest{WorkerID: workerID, Supported: supported, LastJobTime: lastJobTime}
	if err := c.post(ctx, "/heartbeat", req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func (c *RPCClient) RemoveWorker(ctx context.Context, workerID string) error {
	var resp errResponse
	q := url.Values{"worker_id": {workerID}}
	if err := c.get(ctx, "/remove-worker", q, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func (c *RPCClient) ForceStopped(ctx context.Context, workerIndex int, node string) error {
	var resp errResponse
	req := forceStoppedRequest{WorkerIndex: workerIndex, Node: node}
	if err := c.post(ctx, "/force-stopped", req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

var _ Client = (*RPCClient)(nil)
