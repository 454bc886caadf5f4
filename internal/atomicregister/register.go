// Package atomicregister implements the per-sector ABD atomic-register
// state machine: readlist/acklist accumulation, majority-quorum detection,
// highest-(ts,wr) selection, and the one-in-flight-operation-per-worker
// invariant (I1).
package atomicregister

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/distsys-edu/atomicdrive/internal/logger"
	"github.com/distsys-edu/atomicdrive/internal/wire"
)

// ridKey is the stable-storage key under which a worker's monotonic read
// identifier is persisted.
const ridKey = "rid"

// Storage is the subset of kvstore.Store the register needs to persist rid.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// SectorsManager is the subset of sectors.Manager the register needs.
type SectorsManager interface {
	ReadMetadata(sectorIdx uint64) (ts uint64, wr uint8)
	ReadData(sectorIdx uint64) ([]byte, error)
	Write(sectorIdx uint64, data []byte, ts uint64, wr uint8) error
}

// Broadcaster is the subset of registerclient.Client the register needs.
type Broadcaster interface {
	Broadcast(cmd *wire.SystemCommand)
	Send(target uint8, cmd *wire.SystemCommand)
}

// OperationSuccess is handed to a client_command's success callback when
// quorum completes.
type OperationSuccess struct {
	RequestIdentifier uint64
	IsRead            bool
	ReadData          []byte // valid iff IsRead
}

type valueEntry struct {
	ts   uint64
	wr   uint8
	data []byte
}

type readProcPhase struct {
	readlist map[uint8]valueEntry
	writeval []byte // non-nil iff the client command was a Write
}

type writeProcPhase struct {
	acklist map[uint8]struct{}
	readval []byte // non-nil iff the original client command was a Read
}

type clientCommandState struct {
	msgIdent          uuid.UUID
	readIdent         uint64
	sectorIdx         uint64
	requestIdentifier uint64
	callback          func(OperationSuccess)
	phase             any // *readProcPhase or *writeProcPhase
}

// Register is the atomic-register actor for every sector owned by one
// worker. A single worker serializes client operations (I1), so one
// Register instance tracks at most one in-flight ClientCommandState
// regardless of how many sectors it owns.
type Register struct {
	selfRank     uint8
	processCount uint8
	storage      Storage
	sectorsMgr   SectorsManager
	client       Broadcaster

	mu        sync.Mutex
	rid       uint64
	ridLoaded bool
	current   *clientCommandState
}

// New builds a Register for a process of rank selfRank among
// processCount total processes.
func New(selfRank, processCount uint8, storage Storage, sectorsMgr SectorsManager, client Broadcaster) *Register {
	return &Register{
		selfRank:     selfRank,
		processCount: processCount,
		storage:      storage,
		sectorsMgr:   sectorsMgr,
		client:       client,
	}
}

// HasInFlight reports whether an operation is currently in flight. The
// worker loop gates client commands with its own accept flag and does not
// call this; ClientCommand itself panics if an operation is in flight.
func (r *Register) HasInFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// ClientCommand starts a new client operation. The caller (the owning
// worker) must guarantee no operation is already in flight and that
// cmd.SectorIdx belongs to this worker. ClientCommand panics if an
// operation is already in flight; sector ownership is not checked here.
func (r *Register) ClientCommand(cmd *wire.ClientCommand, callback func(OperationSuccess)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		panic("atomicregister: client_command called with an operation already in flight")
	}

	rid := r.nextRidLocked()
	msgIdent := uuid.New()

	var writeval []byte
	if cmd.Type == wire.TypeClientWrite {
		writeval = cmd.Data
	}

	r.current = &clientCommandState{
		msgIdent:          msgIdent,
		readIdent:         rid,
		sectorIdx:         cmd.SectorIdx,
		requestIdentifier: cmd.RequestIdentifier,
		callback:          callback,
		phase:             &readProcPhase{readlist: make(map[uint8]valueEntry), writeval: writeval},
	}

	logger.Debug("client command started",
		logger.SectorIdx(cmd.SectorIdx), logger.ReadIdent(rid), logger.MsgIdent(msgIdent.String()))

	r.client.Broadcast(&wire.SystemCommand{
		Type:      wire.TypeReadProc,
		MsgIdent:  msgIdent,
		ReadIdent: rid,
		SectorIdx: cmd.SectorIdx,
	})

	// Local read-back: inject this process's own (ts, wr, data) into the
	// readlist without a TCP round trip.
	ts, wr := r.sectorsMgr.ReadMetadata(cmd.SectorIdx)
	data, err := r.sectorsMgr.ReadData(cmd.SectorIdx)
	if err != nil {
		panic(fmt.Errorf("atomicregister: fatal storage read: %w", err))
	}
	r.handleValueLocked(r.selfRank, msgIdent, rid, cmd.SectorIdx, ts, wr, data)
}

// SystemCommand dispatches an incoming ReadProc/WriteProc/Value/Ack
// message. Questions (ReadProc/WriteProc) are answered regardless of
// in-flight state; answers (Value/Ack) are matched against the current
// operation, if any.
func (r *Register) SystemCommand(cmd *wire.SystemCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cmd.Type.IsQuestion() {
		r.handleQuestionLocked(cmd)
		return
	}

	if r.current == nil {
		return // no in-flight operation: drop the answer
	}
	if cmd.MsgIdent != r.current.msgIdent {
		return // answer to a different (likely stale) operation: drop
	}
	if cmd.ReadIdent != r.current.readIdent || cmd.SectorIdx != r.current.sectorIdx {
		logger.Error("system command matched msg_ident but mismatched read_ident/sector_idx",
			logger.MsgIdent(cmd.MsgIdent.String()), logger.ReadIdent(cmd.ReadIdent), logger.SectorIdx(cmd.SectorIdx))
		return
	}

	switch phase := r.current.phase.(type) {
	case *readProcPhase:
		if cmd.Type == wire.TypeValue {
			r.handleValueLocked(cmd.ProcessIdentifier, cmd.MsgIdent, cmd.ReadIdent, cmd.SectorIdx, cmd.Timestamp, cmd.WriteRank, cmd.Data)
		}
		// Ack received during ReadProc phase: ignored (spec.md §4.5).
	case *writeProcPhase:
		if cmd.Type == wire.TypeAck {
			r.handleAckLocked(phase, cmd.ProcessIdentifier)
		}
		// Value received during WriteProc phase: ignored, it's late.
	}
}

func (r *Register) handleQuestionLocked(cmd *wire.SystemCommand) {
	switch cmd.Type {
	case wire.TypeReadProc:
		ts, wr := r.sectorsMgr.ReadMetadata(cmd.SectorIdx)
		data, err := r.sectorsMgr.ReadData(cmd.SectorIdx)
		if err != nil {
			panic(fmt.Errorf("atomicregister: fatal storage read: %w", err))
		}
		r.client.Send(cmd.ProcessIdentifier, &wire.SystemCommand{
			Type:      wire.TypeValue,
			MsgIdent:  cmd.MsgIdent,
			ReadIdent: cmd.ReadIdent,
			SectorIdx: cmd.SectorIdx,
			Timestamp: ts,
			WriteRank: wr,
			Data:      data,
		})
	case wire.TypeWriteProc:
		ts, wr := r.sectorsMgr.ReadMetadata(cmd.SectorIdx)
		if greaterPair(cmd.Timestamp, cmd.WriteRank, ts, wr) {
			if err := r.sectorsMgr.Write(cmd.SectorIdx, cmd.Data, cmd.Timestamp, cmd.WriteRank); err != nil {
				panic(fmt.Errorf("atomicregister: fatal storage write: %w", err))
			}
		}
		r.client.Send(cmd.ProcessIdentifier, &wire.SystemCommand{
			Type:      wire.TypeAck,
			MsgIdent:  cmd.MsgIdent,
			ReadIdent: cmd.ReadIdent,
			SectorIdx: cmd.SectorIdx,
		})
	}
}

func (r *Register) handleValueLocked(sender uint8, msgIdent uuid.UUID, readIdent, sectorIdx uint64, ts uint64, wr uint8, data []byte) {
	if r.current == nil || r.current.msgIdent != msgIdent {
		return
	}
	phase, ok := r.current.phase.(*readProcPhase)
	if !ok {
		return
	}

	phase.readlist[sender] = valueEntry{ts: ts, wr: wr, data: data}
	if !hasMajority(len(phase.readlist), r.processCount) {
		return
	}

	maxTs, maxWr, maxData := selectMax(phase.readlist)

	state := r.current
	var newTs uint64
	var newWr uint8
	var newData []byte
	var readval []byte

	if phase.writeval != nil {
		newTs = maxTs + 1
		newWr = r.selfRank
		newData = phase.writeval
	} else {
		newTs = maxTs
		newWr = maxWr
		newData = maxData
		readval = maxData
	}

	if err := r.sectorsMgr.Write(state.sectorIdx, newData, newTs, newWr); err != nil {
		panic(fmt.Errorf("atomicregister: fatal storage write: %w", err))
	}

	writePhase := &writeProcPhase{acklist: make(map[uint8]struct{}), readval: readval}
	state.phase = writePhase

	r.client.Broadcast(&wire.SystemCommand{
		Type:      wire.TypeWriteProc,
		MsgIdent:  state.msgIdent,
		ReadIdent: state.readIdent,
		SectorIdx: state.sectorIdx,
		Timestamp: newTs,
		WriteRank: newWr,
		Data:      newData,
	})

	// Local Ack short-circuit, the same way the initiating ReadProc
	// short-circuited its own Value above.
	r.handleAckLocked(writePhase, r.selfRank)
}

func (r *Register) handleAckLocked(phase *writeProcPhase, sender uint8) {
	if r.current == nil || r.current.phase != any(phase) {
		return
	}

	phase.acklist[sender] = struct{}{}
	if !hasMajority(len(phase.acklist), r.processCount) {
		return
	}

	state := r.current
	success := OperationSuccess{RequestIdentifier: state.requestIdentifier}
	if phase.readval != nil {
		success.IsRead = true
		success.ReadData = phase.readval
	}

	// Cancel WriteProc retransmission: a self-Ack with this msg_ident is
	// never put on the wire, only used to clear the resend entry.
	r.client.Send(r.selfRank, &wire.SystemCommand{
		Type:      wire.TypeAck,
		MsgIdent:  state.msgIdent,
		ReadIdent: state.readIdent,
		SectorIdx: state.sectorIdx,
	})

	r.current = nil
	logger.Debug("client command completed",
		logger.SectorIdx(state.sectorIdx), logger.ReadIdent(state.readIdent), logger.MsgIdent(state.msgIdent.String()))

	state.callback(success)
}

func (r *Register) nextRidLocked() uint64 {
	if !r.ridLoaded {
		raw, ok, err := r.storage.Get(ridKey)
		if err != nil {
			panic(fmt.Errorf("atomicregister: fatal rid read: %w", err))
		}
		if ok && len(raw) == 8 {
			r.rid = binary.BigEndian.Uint64(raw)
		}
		r.ridLoaded = true
	}

	r.rid++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, r.rid)
	if err := r.storage.Put(ridKey, buf); err != nil {
		panic(fmt.Errorf("atomicregister: fatal rid persist: %w", err))
	}
	return r.rid
}

func hasMajority(count int, processCount uint8) bool {
	return 2*count > int(processCount)
}

func greaterPair(ts1 uint64, wr1 uint8, ts2 uint64, wr2 uint8) bool {
	if ts1 != ts2 {
		return ts1 > ts2
	}
	return wr1 > wr2
}

// selectMax returns the (ts, wr, data) maximizing (ts, wr) lexicographically
// among readlist's entries. Ties are broken deterministically by lowest
// sender rank (spec.md §9 permits any deterministic tie-break; Go's
// randomized map iteration order makes an explicit rule necessary where
// the reference implementation relied on incidental hash-map order).
func selectMax(readlist map[uint8]valueEntry) (ts uint64, wr uint8, data []byte) {
	senders := make([]uint8, 0, len(readlist))
	for s := range readlist {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

	first := true
	var best valueEntry
	for _, s := range senders {
		e := readlist[s]
		if first || greaterPair(e.ts, e.wr, best.ts, best.wr) {
			best = e
			first = false
		}
	}
	return best.ts, best.wr, best.data
}
