package command

import "fmt"

// Version is set at build time via -ldflags; "dev" covers local builds.
var Version = "dev"

// VersionCommand prints the controller's version.
type VersionCommand struct {
	Meta
}

func (c *VersionCommand) Help() string {
	return "Usage: ctld version"
}

func (c *VersionCommand) Synopsis() string {
	return "Print ctld's version"
}

func (c *VersionCommand) Run(args []string) int {
	c.UI.Output(fmt.Sprintf("ctld %s", Version))
	return 0
}
