package command

import (
	"flag"
	"fmt"
	"strings"

	"github.com/lattice-hpc/ctldcore/structs"
)

// JobsSubmitCommand issues SUBMIT_BATCH_JOB through client.SubmitJob.
type JobsSubmitCommand struct {
	Meta
}

func (c *JobsSubmitCommand) Help() string {
	return strings.TrimSpace(`
Usage: ctldctl jobs submit [options]

  Submits a batch job against the demo partition and prints its job ID.

Options:

  -partition=demo   Partition to submit into.
  -nodes=1          Node count (MinNodes == MaxNodes).
  -cpus=1           Minimum CPU count.
`)
}

func (c *JobsSubmitCommand) Synopsis() string {
	return "Submit a batch job"
}

func (c *JobsSubmitCommand) Run(args []string) int {
	flags := flag.NewFlagSet("jobs submit", flag.ContinueOnError)
	partition := flags.String("partition", "demo", "partition to submit into")
	nodes := flags.Uint("nodes", 1, "node count")
	cpus := flags.Uint("cpus", 1, "minimum CPU count")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	req := structs.JobRequest{
		MinNodes: uint32(*nodes),
		MaxNodes: uint32(*nodes),
		MinCPUs:  uint32(*cpus),
	}
	jobID, err := c.Client.SubmitJob(req, *partition, "")
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.UI.Output(fmt.Sprintf("submitted job %d", jobID))
	return 0
}

// JobsListCommand issues LOAD_JOBS.
type JobsListCommand struct {
	Meta
}

func (c *JobsListCommand) Help() string {
	return "Usage: ctldctl jobs list"
}

func (c *JobsListCommand) Synopsis() string {
	return "List jobs visible to the caller"
}

func (c *JobsListCommand) Run(args []string) int {
	jobs, err := c.Client.ListJobs(true)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	if len(jobs) == 0 {
		c.UI.Output("no jobs")
		return 0
	}
	for _, j := range jobs {
		c.UI.Output(fmt.Sprintf("%d\t%s\tuid=%d", j.JobID, j.State, j.UID))
	}
	return 0
}

// JobsKillCommand issues KILL_JOB.
type JobsKillCommand struct {
	Meta
}

func (c *JobsKillCommand) Help() string {
	return "Usage: ctldctl jobs kill <job-id>"
}

func (c *JobsKillCommand) Synopsis() string {
	return "Kill a job"
}

func (c *JobsKillCommand) Run(args []string) int {
	if len(args) != 1 {
		c.UI.Error("exactly one job id required")
		return 1
	}
	var jobID uint32
	if _, err := fmt.Sscanf(args[0], "%d", &jobID); err != nil {
		c.UI.Error(fmt.Sprintf("invalid job id %q", args[0]))
		return 1
	}
	if err := c.Client.KillJob(jobID, 9); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.UI.Output(fmt.Sprintf("killed job %d", jobID))
	return 0
}
