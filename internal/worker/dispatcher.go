package worker

import (
	"context"

	"github.com/distsys-edu/atomicdrive/internal/atomicregister"
	"github.com/distsys-edu/atomicdrive/internal/wire"
)

// Dispatcher routes client and system commands by sector_idx % NumWorkers
// to the worker that owns that shard, and runs every worker's loop.
type Dispatcher struct {
	workers [NumWorkers]*Worker
}

// NewDispatcher builds a Dispatcher over exactly NumWorkers workers,
// indexed by worker id.
func NewDispatcher(workers [NumWorkers]*Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

func (d *Dispatcher) ownerOf(sectorIdx uint64) *Worker {
	return d.workers[sectorIdx%NumWorkers]
}

// SubmitClient routes cmd to the worker owning its sector.
func (d *Dispatcher) SubmitClient(cmd *wire.ClientCommand, resultCh chan<- atomicregister.OperationSuccess) {
	d.ownerOf(cmd.SectorIdx).SubmitClient(cmd, resultCh)
}

// SubmitSystem routes cmd to the worker owning its sector.
func (d *Dispatcher) SubmitSystem(cmd *wire.SystemCommand) {
	d.ownerOf(cmd.SectorIdx).SubmitSystem(cmd)
}

// Run starts every worker's loop and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, w := range d.workers {
		go w.Run(ctx)
	}
	<-ctx.Done()
}
