package main

import (
	"os"

	"github.com/hashicorp/cli"

	"github.com/lattice-hpc/ctldcore/cmd/ctldctl/command"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	commands := Commands(command.Meta{})

	cliRunner := &cli.CLI{
		Name:     "ctldctl",
		Version:  command.Version,
		Args:     args,
		Commands: commands,
	}

	exitCode, err := cliRunner.Run()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}
	return exitCode
}
