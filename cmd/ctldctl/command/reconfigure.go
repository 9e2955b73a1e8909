package command

import "context"

// ReconfigureCommand issues RECONFIGURE, fanning out to every node.
type ReconfigureCommand struct {
	Meta
}

func (c *ReconfigureCommand) Help() string {
	return "Usage: ctldctl reconfigure"
}

func (c *ReconfigureCommand) Synopsis() string {
	return "Tell every node to reload its configuration"
}

func (c *ReconfigureCommand) Run(args []string) int {
	if err := c.Client.Reconfigure(context.Background()); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.UI.Output("reconfigure dispatched")
	return 0
}
