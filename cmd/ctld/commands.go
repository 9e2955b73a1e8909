package main

import (
	"os"

	"github.com/hashicorp/cli"

	"github.com/lattice-hpc/ctldcore/cmd/ctld/command"
)

// Commands returns the subcommand map main's cli.CLI dispatches on,
// grounded on xmackex-replicator/commands.go's identical
// map[string]cli.CommandFactory shape.
func Commands(meta command.Meta) map[string]cli.CommandFactory {
	if meta.UI == nil {
		meta.UI = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		}
	}

	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &command.AgentCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &command.VersionCommand{Meta: meta}, nil
		},
	}
}
