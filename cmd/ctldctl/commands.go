package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/lattice-hpc/ctldcore/cmd/ctldctl/command"
)

// Commands returns the subcommand map main's cli.CLI dispatches on. Every
// command shares one demo Client built once in main, since ctldctl has
// nothing to connect to outside of its own disposable demo controller
// (spec.md §1 leaves the RPC wire transport unspecified).
func Commands(meta command.Meta) map[string]cli.CommandFactory {
	if meta.UI == nil {
		meta.UI = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		}
	}
	if meta.Client == nil {
		c, err := command.NewDemoClient()
		if err != nil {
			meta.UI.Error(fmt.Sprintf("ctldctl: %s", err))
			os.Exit(1)
		}
		meta.Client = c
	}

	return map[string]cli.CommandFactory{
		"jobs submit": func() (cli.Command, error) {
			return &command.JobsSubmitCommand{Meta: meta}, nil
		},
		"jobs list": func() (cli.Command, error) {
			return &command.JobsListCommand{Meta: meta}, nil
		},
		"jobs kill": func() (cli.Command, error) {
			return &command.JobsKillCommand{Meta: meta}, nil
		},
		"nodes list": func() (cli.Command, error) {
			return &command.NodesListCommand{Meta: meta}, nil
		},
		"nodes update": func() (cli.Command, error) {
			return &command.NodesUpdateCommand{Meta: meta}, nil
		},
		"partitions list": func() (cli.Command, error) {
			return &command.PartitionsListCommand{Meta: meta}, nil
		},
		"reconfigure": func() (cli.Command, error) {
			return &command.ReconfigureCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &command.VersionCommand{Meta: meta}, nil
		},
	}
}
