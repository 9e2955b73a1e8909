package command

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/lattice-hpc/ctldcore/config"
	"github.com/lattice-hpc/ctldcore/server"
)

// AgentCommand runs the controller daemon: parse config, wire every
// subsystem via server.New, run until SIGINT/SIGTERM, checkpoint on the
// way out. Grounded on xmackex-replicator/command/agent's Command: a
// flag.FlagSet for -config plus environment overrides, logging through
// the daemon's own structured logger rather than the CLI's Ui once
// it's past startup.
type AgentCommand struct {
	Meta
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: ctld agent [options]

  Runs the ctld controller daemon: the cluster state store, scheduler,
  node heartbeat collector, reservation manager, accounting rollup, and
  RPC dispatcher, until interrupted.

Options:

  -config=path
    Path to an HCL configuration file (spec §6.4). May be repeated; can
    also be omitted to run entirely on defaults and CTLD_* environment
    overrides.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the ctld controller daemon"
}

func (c *AgentCommand) Run(args []string) int {
	var configPaths stringSliceFlag

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Var(&configPaths, "config", "path to an HCL config file (repeatable)")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := config.Default()
	for _, path := range configPaths {
		fileCfg, err := config.ParseConfigFile(path)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error loading config %q: %s", path, err))
			return 1
		}
		cfg = cfg.Merge(fileCfg)
	}
	cfg = cfg.ApplyEnv()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "ctld",
		Level: hclog.Info,
	})

	srv, err := server.New(cfg, nil, log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error starting controller: %s", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	c.UI.Output(fmt.Sprintf("ctld agent starting (cluster=%s)", cfg.ClusterName))
	srv.Run(ctx)

	if err := srv.Shutdown(); err != nil {
		c.UI.Error(fmt.Sprintf("error during shutdown: %s", err))
		return 1
	}
	return 0
}

// stringSliceFlag collects repeated -config flags into an ordered slice.
type stringSliceFlag []string

func (f *stringSliceFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *stringSliceFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}
