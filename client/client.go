// Package client is the thin Go API the admin CLI (cmd/ctldctl) uses to
// exercise the controller's RPC surface, playing the same role Nomad's
// own "api" package plays for its command-line tools: friendly typed
// methods over the wire calls, so cmd/* never constructs raw RPC
// request/response structs itself.
//
// The wire transport spec.md §1 leaves unspecified, so Client talks
// directly to an in-process rpc.Dispatcher. A networked deployment
// would swap this package's internals for an HTTP or gRPC round trip
// without changing cmd/ctldctl's command implementations, the same way
// swapping Nomad's api.Client transport wouldn't touch its command
// package.
package client

import (
	"context"
	"fmt"

	"github.com/lattice-hpc/ctldcore/rpc"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Client wraps a dispatcher with the friendly, verb-shaped methods
// cmd/ctldctl's subcommands call.
type Client struct {
	dispatcher *rpc.Dispatcher
	creds      rpc.Credentials
}

// New constructs a Client that dispatches as the given credentials.
func New(dispatcher *rpc.Dispatcher, uid, gid uint32) *Client {
	return &Client{dispatcher: dispatcher, creds: rpc.Credentials{UID: uid, GID: gid}}
}

// SubmitJob issues SUBMIT_BATCH_JOB and returns the new job's ID.
func (c *Client) SubmitJob(req structs.JobRequest, partition, account string) (uint32, error) {
	resp, err := c.dispatcher.SubmitBatchJob(rpc.SubmitBatchJobRequest{
		Request:     req,
		Partition:   partition,
		Account:     account,
		Credentials: c.creds,
	})
	if err != nil {
		return 0, fmt.Errorf("client: submit job: %w", err)
	}
	return resp.JobID, nil
}

// AllocateResources issues ALLOCATE_RESOURCES (srun's synchronous
// submit-and-wait-for-a-cycle semantics) and returns the allocated node
// names.
func (c *Client) AllocateResources(req structs.JobRequest, partition, account string) (uint32, []string, error) {
	resp, err := c.dispatcher.AllocateResources(rpc.AllocateResourcesRequest{
		Request:     req,
		Partition:   partition,
		Account:     account,
		Credentials: c.creds,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("client: allocate resources: %w", err)
	}
	return resp.JobID, resp.NodeList, nil
}

// KillJob issues KILL_JOB.
func (c *Client) KillJob(jobID uint32, signal int) error {
	_, err := c.dispatcher.KillJob(rpc.KillJobRequest{JobID: jobID, Signal: signal, Credentials: c.creds})
	if err != nil {
		return fmt.Errorf("client: kill job %d: %w", jobID, err)
	}
	return nil
}

// ListJobs issues LOAD_JOBS.
func (c *Client) ListJobs(admin bool) ([]*structs.Job, error) {
	resp, err := c.dispatcher.LoadJobs(rpc.LoadJobsRequest{Credentials: c.creds, IsAdmin: admin})
	if err != nil {
		return nil, fmt.Errorf("client: list jobs: %w", err)
	}
	return resp.Jobs, nil
}

// ListNodes issues LOAD_NODES.
func (c *Client) ListNodes() ([]*structs.Node, error) {
	resp, err := c.dispatcher.LoadNodes(rpc.LoadNodesRequest{})
	if err != nil {
		return nil, fmt.Errorf("client: list nodes: %w", err)
	}
	return resp.Nodes, nil
}

// ListPartitions issues LOAD_PARTITIONS.
func (c *Client) ListPartitions() ([]*structs.Partition, error) {
	resp, err := c.dispatcher.LoadPartitions(rpc.LoadPartitionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("client: list partitions: %w", err)
	}
	return resp.Partitions, nil
}

// UpdateNode issues UPDATE_NODE against every node nameExpression
// expands to (spec §3.6 hostlist syntax, e.g. "node[1-4]").
func (c *Client) UpdateNode(nameExpression, state, reason string) error {
	_, err := c.dispatcher.UpdateNode(rpc.UpdateNodeRequest{
		NameExpression: nameExpression,
		State:          state,
		Reason:         reason,
		Credentials:    c.creds,
	})
	if err != nil {
		return fmt.Errorf("client: update node %q: %w", nameExpression, err)
	}
	return nil
}

// Reconfigure issues RECONFIGURE, fanning out to every registered node.
func (c *Client) Reconfigure(ctx context.Context) error {
	_, err := c.dispatcher.Reconfigure(ctx)
	if err != nil {
		return fmt.Errorf("client: reconfigure: %w", err)
	}
	return nil
}
