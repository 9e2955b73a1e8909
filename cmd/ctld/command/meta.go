// Package command holds cmd/ctld's cli.Command implementations, the
// same layout xmackex-replicator's command package uses for its own
// subcommands.
package command

import "github.com/hashicorp/cli"

// Meta holds the state every subcommand needs; embedding it gives each
// command its UI without repeating the field.
type Meta struct {
	UI cli.Ui
}
