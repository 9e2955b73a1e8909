// Package server wires every subsystem package (state, nodes, scheduler,
// reservation, accounting, agent, rpc) into one running controller, the
// way nomad/server.go assembles Nomad's subsystems behind a single
// Server struct with a Shutdown method and a handful of background
// goroutines started from NewServer.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/lattice-hpc/ctldcore/accounting"
	"github.com/lattice-hpc/ctldcore/agent"
	"github.com/lattice-hpc/ctldcore/config"
	"github.com/lattice-hpc/ctldcore/nodes"
	"github.com/lattice-hpc/ctldcore/reservation"
	"github.com/lattice-hpc/ctldcore/rpc"
	"github.com/lattice-hpc/ctldcore/scheduler"
	"github.com/lattice-hpc/ctldcore/scheduler/topology"
	"github.com/lattice-hpc/ctldcore/state"
)

// defaultReservationInterval is how often the reservation manager's
// Materialize pass re-checks for newly-due periodic occurrences; it
// runs far more often than the weekly DefaultHorizon it maintains.
const defaultReservationInterval = time.Hour

// Server owns the state store and every periodic subsystem built on top
// of it, plus the RPC dispatcher external callers (or, eventually, a
// wire transport) drive.
type Server struct {
	log    hclog.Logger
	config *config.Config

	Store        *state.Store
	Machine      *nodes.Machine
	Collector    *nodes.Collector
	Driver       *scheduler.Driver
	Reservations *reservation.Manager
	Events       *accounting.NodeEventLog
	Acct         accounting.Store
	Roller       *accounting.Roller
	Topology     *topology.Selector
	Supervisor   *agent.Supervisor
	Dispatcher   *rpc.Dispatcher

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Server from cfg. transport may be nil, in which case
// the dispatcher's node-directed RPCs (LAUNCH_BATCH_JOB, LAUNCH_TASKS,
// TERMINATE_JOB, RECONFIGURE) are no-ops -- the right default for a
// controller running without its wire layer wired up yet (spec.md §1
// leaves that transport unspecified).
func New(cfg *config.Config, transport rpc.NodeTransport, log hclog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("ctld")

	store, err := state.New(log)
	if err != nil {
		return nil, fmt.Errorf("server: constructing state store: %w", err)
	}

	events := accounting.NewNodeEventLog()
	acctStore := accounting.NewMemoryStore()

	machine := nodes.NewMachine(store, log)
	machine.Events = events

	collector := nodes.NewCollector(store, log, 0, 0)
	collector.Events = events

	driver := scheduler.NewDriver(store, log)
	reservations := reservation.NewManager(store, log)
	roller := accounting.NewRoller(store, events, acctStore, cfg.ClusterName, log)

	var topo *topology.Selector
	if cfg.SelectType == config.SelectTopology3D && cfg.GridX > 0 && cfg.GridY > 0 && cfg.GridZ > 0 {
		topo = topology.NewSelector(cfg.GridX, cfg.GridY, cfg.GridZ)
	}

	dispatcher := rpc.NewDispatcher(store, machine, driver, transport, log)

	sup := agent.NewSupervisor(store, log)
	sup.Collector = collector
	sup.Driver = driver
	sup.Roller = roller
	sup.Topology = topo
	sup.CheckpointDir = cfg.StateSaveLocation
	sup.OnCycleComplete = func(result *scheduler.CycleResult) {
		dispatcher.DispatchStarted(context.Background(), result)
	}

	return &Server{
		log:          log,
		config:       cfg,
		Store:        store,
		Machine:      machine,
		Collector:    collector,
		Driver:       driver,
		Reservations: reservations,
		Events:       events,
		Acct:         acctStore,
		Roller:       roller,
		Topology:     topo,
		Supervisor:   sup,
		Dispatcher:   dispatcher,
	}, nil
}

// Run starts every background goroutine (the Supervisor's named timers
// plus the reservation manager's own materialization loop, which keeps
// its own ticker rather than being folded into Supervisor.Run) and
// blocks until ctx is cancelled or Shutdown is called.
func (s *Server) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("starting controller",
		"cluster", s.config.ClusterName,
		"state_save_location", s.config.StateSaveLocation,
	)

	s.Supervisor.Run(ctx)
	go s.Reservations.Run(ctx, defaultReservationInterval)

	<-ctx.Done()
	close(s.stopped)
}

// Shutdown cancels every background goroutine started by Run and waits
// for them to exit, mirroring nomad/server.go's Shutdown semantics
// (spec §5's controller teardown).
func (s *Server) Shutdown() error {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if stopped != nil {
		<-stopped
	}
	if s.config.StateSaveLocation != "" {
		if err := s.Store.Checkpoint(s.config.StateSaveLocation); err != nil {
			return fmt.Errorf("server: checkpoint on shutdown: %w", err)
		}
	}
	return nil
}
