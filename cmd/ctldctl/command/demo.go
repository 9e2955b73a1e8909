package command

import (
	"github.com/lattice-hpc/ctldcore/server"
	"github.com/lattice-hpc/ctldcore/structs"
)

// seedDemoCluster registers one 4-CPU/8GiB node named "demo0" in a
// partition named "demo", enough for every ctldctl subcommand to have
// something real to act on.
func seedDemoCluster(srv *server.Server) error {
	cfg := &structs.Config{
		Name:         "std",
		CPUs:         4,
		RealMemoryMB: 8192,
		Cores:        4,
		Sockets:      1,
		Threads:      1,
	}
	if err := srv.Store.CreateConfig(cfg); err != nil {
		return err
	}
	if _, err := srv.Store.CreateNode(cfg, "demo0", nil); err != nil {
		return err
	}
	if err := srv.Store.RegisterNode("demo0", structs.Node{
		CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1,
	}); err != nil {
		return err
	}
	return srv.Store.CreatePartition(&structs.Partition{
		Name:        "demo",
		NodeIndices: []int{0},
		NodeNames:   []string{"demo0"},
		MaxRows:     1,
	})
}
