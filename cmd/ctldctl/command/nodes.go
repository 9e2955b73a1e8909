package command

import (
	"flag"
	"fmt"
)

// NodesListCommand issues LOAD_NODES.
type NodesListCommand struct {
	Meta
}

func (c *NodesListCommand) Help() string {
	return "Usage: ctldctl nodes list"
}

func (c *NodesListCommand) Synopsis() string {
	return "List nodes"
}

func (c *NodesListCommand) Run(args []string) int {
	nodes, err := c.Client.ListNodes()
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	for _, n := range nodes {
		c.UI.Output(fmt.Sprintf("%s\tbase=%s\tcpus=%d", n.Name, n.Base, n.CPUs))
	}
	return 0
}

// NodesUpdateCommand issues UPDATE_NODE.
type NodesUpdateCommand struct {
	Meta
}

func (c *NodesUpdateCommand) Help() string {
	return "Usage: ctldctl nodes update -state=DRAIN|RESUME|DOWN <node-name-expression>"
}

func (c *NodesUpdateCommand) Synopsis() string {
	return "Drain, resume, or down one or more nodes"
}

func (c *NodesUpdateCommand) Run(args []string) int {
	flags := flag.NewFlagSet("nodes update", flag.ContinueOnError)
	state := flags.String("state", "", "DRAIN, RESUME, or DOWN")
	reason := flags.String("reason", "", "reason recorded with the transition")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		c.UI.Error("exactly one node name expression required")
		return 1
	}

	if err := c.Client.UpdateNode(flags.Arg(0), *state, *reason); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.UI.Output(fmt.Sprintf("updated %s", flags.Arg(0)))
	return 0
}
