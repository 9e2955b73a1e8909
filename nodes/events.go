package nodes

import (
	"time"

	"github.com/lattice-hpc/ctldcore/structs"
)

// EventRecorder receives node down/maintenance interval notifications.
// accounting.NodeEventLog satisfies this interface; Machine and Collector
// depend only on the interface to avoid importing package accounting.
type EventRecorder interface {
	Open(nodeIndex int, cpus uint32, kind structs.NodeEventKind, at time.Time)
	Close(nodeIndex int, at time.Time)
}
