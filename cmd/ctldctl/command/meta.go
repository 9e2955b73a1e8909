// Package command holds cmd/ctldctl's cli.Command implementations:
// a thin admin CLI over package client, used only to exercise the RPC
// surface in tests and demos (full client tooling is out of scope per
// spec.md §1, which never specifies a wire transport for these RPCs to
// ride over).
package command

import (
	"fmt"

	"github.com/hashicorp/cli"

	"github.com/lattice-hpc/ctldcore/client"
	"github.com/lattice-hpc/ctldcore/config"
	"github.com/lattice-hpc/ctldcore/server"
)

// Meta holds what every ctldctl subcommand needs: a UI to print through
// and a Client to dispatch against.
type Meta struct {
	UI     cli.Ui
	Client *client.Client
}

// NewDemoClient builds an in-process controller seeded with one small
// standard-node partition and returns a Client dispatching against it
// as uid/gid 1000. Since spec.md §1 leaves the RPC wire transport
// unspecified, this is how ctldctl gets something to talk to outside of
// a test binary: a disposable demo environment rather than a connection
// to a separately-running ctld.
func NewDemoClient() (*client.Client, error) {
	cfg := config.Default()
	cfg.ClusterName = "demo"

	srv, err := server.New(cfg, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ctldctl: building demo controller: %w", err)
	}

	if err := seedDemoCluster(srv); err != nil {
		return nil, err
	}

	return client.New(srv.Dispatcher, 1000, 1000), nil
}
