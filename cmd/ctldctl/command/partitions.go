package command

import "fmt"

// PartitionsListCommand issues LOAD_PARTITIONS.
type PartitionsListCommand struct {
	Meta
}

func (c *PartitionsListCommand) Help() string {
	return "Usage: ctldctl partitions list"
}

func (c *PartitionsListCommand) Synopsis() string {
	return "List partitions"
}

func (c *PartitionsListCommand) Run(args []string) int {
	partitions, err := c.Client.ListPartitions()
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	for _, p := range partitions {
		c.UI.Output(fmt.Sprintf("%s\tnodes=%d\tstate=%s", p.Name, len(p.NodeIndices), p.State))
	}
	return 0
}
