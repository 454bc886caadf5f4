// Package worker implements the dispatcher: a fixed pool of workers, each
// owning a disjoint slice of sectors and serializing every command that
// touches them through a single goroutine (spec.md §4.6).
package worker

import (
	"context"

	"github.com/distsys-edu/atomicdrive/internal/atomicregister"
	"github.com/distsys-edu/atomicdrive/internal/wire"
)

// NumWorkers is the fixed worker-pool size; worker w owns every sector
// s where s % NumWorkers == w.
const NumWorkers = 16

// inboxCapacity bounds each worker's client/system channels, providing
// natural backpressure instead of unbounded queueing.
const inboxCapacity = 16

// Register is the subset of *atomicregister.Register a Worker drives.
type Register interface {
	ClientCommand(cmd *wire.ClientCommand, callback func(atomicregister.OperationSuccess))
	SystemCommand(cmd *wire.SystemCommand)
}

type clientJob struct {
	cmd      *wire.ClientCommand
	resultCh chan<- atomicregister.OperationSuccess
}

// Worker owns one atomic-register actor. At most one client operation is
// ever in flight per worker (I1): accepting a second client command is
// suspended until the first's completion callback fires.
type Worker struct {
	id       uint8
	register Register
	clientCh chan clientJob
	systemCh chan *wire.SystemCommand
}

// New builds a Worker of id driving register. Call Run to start its loop.
func New(id uint8, register Register) *Worker {
	return &Worker{
		id:       id,
		register: register,
		clientCh: make(chan clientJob, inboxCapacity),
		systemCh: make(chan *wire.SystemCommand, inboxCapacity),
	}
}

// SubmitClient enqueues a client command for this worker, blocking if its
// inbox is full. The result is delivered on resultCh exactly once.
func (w *Worker) SubmitClient(cmd *wire.ClientCommand, resultCh chan<- atomicregister.OperationSuccess) {
	w.clientCh <- clientJob{cmd: cmd, resultCh: resultCh}
}

// SubmitSystem enqueues a process-to-process command for this worker,
// blocking if its inbox is full.
func (w *Worker) SubmitSystem(cmd *wire.SystemCommand) {
	w.systemCh <- cmd
}

// Run drives the worker's command loop until ctx is cancelled.
//
// Priority mirrors the teacher's biased select (completion signal over a
// newly-accepted client command over a system command): the completion
// channel is drained with top priority at the top of every iteration, a
// waiting client command is taken next while accepting, and the client
// inbox is only wired into the blocking select at all while accepting —
// a nil channel in a select case blocks forever, so setting it to nil is
// how a worker declines new client work without a busy-loop.
func (w *Worker) Run(ctx context.Context) {
	acceptClient := true
	finishCh := make(chan struct{}, 1)

	for {
		select {
		case <-finishCh:
			acceptClient = true
			continue
		default:
		}

		if acceptClient {
			select {
			case job := <-w.clientCh:
				acceptClient = false
				w.startClient(job, finishCh)
				continue
			default:
			}
		}

		var clientCh chan clientJob
		if acceptClient {
			clientCh = w.clientCh
		}

		select {
		case <-ctx.Done():
			return
		case <-finishCh:
			acceptClient = true
		case job := <-clientCh:
			acceptClient = false
			w.startClient(job, finishCh)
		case cmd := <-w.systemCh:
			w.register.SystemCommand(cmd)
		}
	}
}

func (w *Worker) startClient(job clientJob, finishCh chan struct{}) {
	resultCh := job.resultCh
	w.register.ClientCommand(job.cmd, func(success atomicregister.OperationSuccess) {
		finishCh <- struct{}{}
		resultCh <- success
	})
}
