package command

import "fmt"

// Version is set at build time via -ldflags; "dev" covers local builds.
var Version = "dev"

// VersionCommand prints ctldctl's version.
type VersionCommand struct {
	Meta
}

func (c *VersionCommand) Help() string {
	return "Usage: ctldctl version"
}

func (c *VersionCommand) Synopsis() string {
	return "Print ctldctl's version"
}

func (c *VersionCommand) Run(args []string) int {
	c.UI.Output(fmt.Sprintf("ctldctl %s", Version))
	return 0
}
