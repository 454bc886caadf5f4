package atomicregister

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/distsys-edu/atomicdrive/internal/wire"
)

type fakeStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStorage() *fakeStorage { return &fakeStorage{data: make(map[string][]byte)} }

func (f *fakeStorage) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStorage) Put(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	f.data[key] = cp
	return nil
}

type fakeSectorsManager struct {
	mu   sync.Mutex
	ts   map[uint64]uint64
	wr   map[uint64]uint8
	data map[uint64][]byte
}

func newFakeSectorsManager() *fakeSectorsManager {
	return &fakeSectorsManager{ts: make(map[uint64]uint64), wr: make(map[uint64]uint8), data: make(map[uint64][]byte)}
}

func (f *fakeSectorsManager) ReadMetadata(sectorIdx uint64) (uint64, uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ts[sectorIdx], f.wr[sectorIdx]
}

func (f *fakeSectorsManager) ReadData(sectorIdx uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.data[sectorIdx]; ok {
		cp := make([]byte, len(d))
		copy(cp, d)
		return cp, nil
	}
	return make([]byte, wire.SectorSize), nil
}

func (f *fakeSectorsManager) Write(sectorIdx uint64, data []byte, ts uint64, wr uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.data[sectorIdx] = cp
	f.ts[sectorIdx] = ts
	f.wr[sectorIdx] = wr
	return nil
}

type sendRecord struct {
	target uint8
	cmd    *wire.SystemCommand
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	broadcasts []*wire.SystemCommand
	sends      []sendRecord
}

func newFakeBroadcaster() *fakeBroadcaster { return &fakeBroadcaster{} }

func (f *fakeBroadcaster) Broadcast(cmd *wire.SystemCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, cmd)
}

func (f *fakeBroadcaster) Send(target uint8, cmd *wire.SystemCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendRecord{target: target, cmd: cmd})
}

func (f *fakeBroadcaster) lastBroadcast() *wire.SystemCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return nil
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

func sectorOf(b byte) []byte {
	data := make([]byte, wire.SectorSize)
	for i := range data {
		data[i] = b
	}
	return data
}

func newTestRegister(selfRank, processCount uint8) (*Register, *fakeStorage, *fakeSectorsManager, *fakeBroadcaster) {
	storage := newFakeStorage()
	sectorsMgr := newFakeSectorsManager()
	broadcaster := newFakeBroadcaster()
	r := New(selfRank, processCount, storage, sectorsMgr, broadcaster)
	return r, storage, sectorsMgr, broadcaster
}

func awaitCallback(t *testing.T, ch chan OperationSuccess) OperationSuccess {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operation completion")
		return OperationSuccess{}
	}
}

func TestWriteCompletesAfterPeerQuorum(t *testing.T) {
	r, _, sectorsMgr, broadcaster := newTestRegister(1, 3)
	done := make(chan OperationSuccess, 1)

	r.ClientCommand(&wire.ClientCommand{
		Type:              wire.TypeClientWrite,
		RequestIdentifier: 42,
		SectorIdx:         5,
		Data:              sectorOf(0xAA),
	}, func(s OperationSuccess) { done <- s })

	readProc := broadcaster.lastBroadcast()
	require.NotNil(t, readProc)
	require.Equal(t, wire.TypeReadProc, readProc.Type)

	select {
	case <-done:
		t.Fatal("operation completed before peer quorum")
	default:
	}

	r.SystemCommand(&wire.SystemCommand{
		Type:              wire.TypeValue,
		ProcessIdentifier: 2,
		MsgIdent:          readProc.MsgIdent,
		ReadIdent:         readProc.ReadIdent,
		SectorIdx:         5,
		Timestamp:         0,
		WriteRank:         0,
	})

	writeProc := broadcaster.lastBroadcast()
	require.Equal(t, wire.TypeWriteProc, writeProc.Type)
	require.Equal(t, uint64(1), writeProc.Timestamp)
	require.Equal(t, uint8(1), writeProc.WriteRank)

	select {
	case <-done:
		t.Fatal("operation completed before ack quorum")
	default:
	}

	r.SystemCommand(&wire.SystemCommand{
		Type:              wire.TypeAck,
		ProcessIdentifier: 2,
		MsgIdent:          readProc.MsgIdent,
		ReadIdent:         readProc.ReadIdent,
		SectorIdx:         5,
	})

	success := awaitCallback(t, done)
	require.False(t, success.IsRead)
	require.Equal(t, uint64(42), success.RequestIdentifier)

	data, err := sectorsMgr.ReadData(5)
	require.NoError(t, err)
	require.Equal(t, sectorOf(0xAA), data)
	require.False(t, r.HasInFlight())
}

func TestReadReturnsHighestPairAcrossReadlist(t *testing.T) {
	r, _, sectorsMgr, broadcaster := newTestRegister(1, 3)
	require.NoError(t, sectorsMgr.Write(7, sectorOf(0x01), 1, 1))

	done := make(chan OperationSuccess, 1)
	r.ClientCommand(&wire.ClientCommand{
		Type:              wire.TypeClientRead,
		RequestIdentifier: 9,
		SectorIdx:         7,
	}, func(s OperationSuccess) { done <- s })

	readProc := broadcaster.lastBroadcast()

	// Peer 2 reports a newer (ts, wr) pair than this process's own value.
	r.SystemCommand(&wire.SystemCommand{
		Type:              wire.TypeValue,
		ProcessIdentifier: 2,
		MsgIdent:          readProc.MsgIdent,
		ReadIdent:         readProc.ReadIdent,
		SectorIdx:         7,
		Timestamp:         3,
		WriteRank:         2,
		Data:              sectorOf(0x02),
	})

	writeProc := broadcaster.lastBroadcast()
	require.Equal(t, wire.TypeWriteProc, writeProc.Type)
	require.Equal(t, uint64(3), writeProc.Timestamp)
	require.Equal(t, uint8(2), writeProc.WriteRank)
	require.Equal(t, sectorOf(0x02), writeProc.Data)

	r.SystemCommand(&wire.SystemCommand{
		Type:              wire.TypeAck,
		ProcessIdentifier: 2,
		MsgIdent:          readProc.MsgIdent,
		ReadIdent:         readProc.ReadIdent,
		SectorIdx:         7,
	})

	success := awaitCallback(t, done)
	require.True(t, success.IsRead)
	require.Equal(t, sectorOf(0x02), success.ReadData)
}

func TestSelfAckCancelsWriteProcResend(t *testing.T) {
	r, _, _, broadcaster := newTestRegister(1, 3)
	done := make(chan OperationSuccess, 1)

	r.ClientCommand(&wire.ClientCommand{
		Type:              wire.TypeClientWrite,
		RequestIdentifier: 1,
		SectorIdx:         0,
		Data:              sectorOf(0xFF),
	}, func(s OperationSuccess) { done <- s })

	readProc := broadcaster.lastBroadcast()
	r.SystemCommand(&wire.SystemCommand{
		Type: wire.TypeValue, ProcessIdentifier: 2,
		MsgIdent: readProc.MsgIdent, ReadIdent: readProc.ReadIdent, SectorIdx: 0,
	})

	broadcaster.mu.Lock()
	require.Empty(t, broadcaster.sends, "no Send should have happened before ack quorum")
	broadcaster.mu.Unlock()

	r.SystemCommand(&wire.SystemCommand{
		Type: wire.TypeAck, ProcessIdentifier: 2,
		MsgIdent: readProc.MsgIdent, ReadIdent: readProc.ReadIdent, SectorIdx: 0,
	})
	awaitCallback(t, done)

	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	require.Len(t, broadcaster.sends, 1)
	require.Equal(t, uint8(1), broadcaster.sends[0].target)
	require.Equal(t, wire.TypeAck, broadcaster.sends[0].cmd.Type)
}

func TestClientCommandPanicsWhenOperationInFlight(t *testing.T) {
	r, _, _, _ := newTestRegister(1, 3)
	r.ClientCommand(&wire.ClientCommand{Type: wire.TypeClientRead, SectorIdx: 0}, func(OperationSuccess) {})

	require.Panics(t, func() {
		r.ClientCommand(&wire.ClientCommand{Type: wire.TypeClientRead, SectorIdx: 1}, func(OperationSuccess) {})
	})
}

func TestAnswerDroppedWhenNoOperationInFlight(t *testing.T) {
	r, _, _, broadcaster := newTestRegister(1, 3)

	require.NotPanics(t, func() {
		r.SystemCommand(&wire.SystemCommand{Type: wire.TypeValue, MsgIdent: uuid.New(), SectorIdx: 0})
	})
	broadcaster.mu.Lock()
	require.Empty(t, broadcaster.broadcasts)
	broadcaster.mu.Unlock()
}

func TestAnswerDroppedOnMsgIdentMismatch(t *testing.T) {
	r, _, _, broadcaster := newTestRegister(1, 3)
	done := make(chan OperationSuccess, 1)
	r.ClientCommand(&wire.ClientCommand{Type: wire.TypeClientRead, SectorIdx: 0}, func(s OperationSuccess) { done <- s })

	r.SystemCommand(&wire.SystemCommand{Type: wire.TypeValue, MsgIdent: uuid.New(), ReadIdent: 999, SectorIdx: 0})

	select {
	case <-done:
		t.Fatal("stale/foreign answer must not complete the in-flight operation")
	default:
	}
	require.True(t, r.HasInFlight())
	_ = broadcaster
}

func TestAckIgnoredDuringReadProcPhase(t *testing.T) {
	r, _, _, broadcaster := newTestRegister(1, 3)
	done := make(chan OperationSuccess, 1)
	r.ClientCommand(&wire.ClientCommand{Type: wire.TypeClientRead, SectorIdx: 0}, func(s OperationSuccess) { done <- s })
	readProc := broadcaster.lastBroadcast()

	r.SystemCommand(&wire.SystemCommand{
		Type: wire.TypeAck, ProcessIdentifier: 2,
		MsgIdent: readProc.MsgIdent, ReadIdent: readProc.ReadIdent, SectorIdx: 0,
	})

	select {
	case <-done:
		t.Fatal("an Ack received during the ReadProc phase must be ignored")
	default:
	}
	require.True(t, r.HasInFlight())
}

func TestValueIgnoredDuringWriteProcPhase(t *testing.T) {
	r, _, _, broadcaster := newTestRegister(1, 3)
	done := make(chan OperationSuccess, 1)
	r.ClientCommand(&wire.ClientCommand{Type: wire.TypeClientWrite, SectorIdx: 0, Data: sectorOf(0x01)}, func(s OperationSuccess) { done <- s })
	readProc := broadcaster.lastBroadcast()

	r.SystemCommand(&wire.SystemCommand{
		Type: wire.TypeValue, ProcessIdentifier: 2,
		MsgIdent: readProc.MsgIdent, ReadIdent: readProc.ReadIdent, SectorIdx: 0,
	})
	writeProc := broadcaster.lastBroadcast()
	require.Equal(t, wire.TypeWriteProc, writeProc.Type)

	// A late Value answer arriving after the WriteProc phase has begun.
	r.SystemCommand(&wire.SystemCommand{
		Type: wire.TypeValue, ProcessIdentifier: 3,
		MsgIdent: readProc.MsgIdent, ReadIdent: readProc.ReadIdent, SectorIdx: 0,
	})

	select {
	case <-done:
		t.Fatal("a Value received during the WriteProc phase must be ignored")
	default:
	}
	require.True(t, r.HasInFlight())
}

func TestQuestionsAnsweredRegardlessOfInFlightOperation(t *testing.T) {
	r, _, sectorsMgr, broadcaster := newTestRegister(1, 3)
	require.NoError(t, sectorsMgr.Write(2, sectorOf(0x5A), 4, 1))

	// No operation in flight: ReadProc from a peer must still be answered.
	r.SystemCommand(&wire.SystemCommand{
		Type: wire.TypeReadProc, ProcessIdentifier: 2,
		MsgIdent: uuid.New(), ReadIdent: 7, SectorIdx: 2,
	})

	broadcaster.mu.Lock()
	require.Len(t, broadcaster.sends, 1)
	reply := broadcaster.sends[0]
	broadcaster.mu.Unlock()

	require.Equal(t, uint8(2), reply.target)
	require.Equal(t, wire.TypeValue, reply.cmd.Type)
	require.Equal(t, uint64(4), reply.cmd.Timestamp)
	require.Equal(t, uint8(1), reply.cmd.WriteRank)
	require.Equal(t, sectorOf(0x5A), reply.cmd.Data)
}

func TestWriteProcAppliesOnlyWhenNewer(t *testing.T) {
	r, _, sectorsMgr, broadcaster := newTestRegister(1, 3)
	require.NoError(t, sectorsMgr.Write(0, sectorOf(0x01), 5, 3))

	// Stale WriteProc: must not overwrite the newer local value.
	r.SystemCommand(&wire.SystemCommand{
		Type: wire.TypeWriteProc, ProcessIdentifier: 2,
		MsgIdent: uuid.New(), ReadIdent: 1, SectorIdx: 0,
		Timestamp: 4, WriteRank: 9, Data: sectorOf(0x02),
	})
	data, _ := sectorsMgr.ReadData(0)
	require.Equal(t, sectorOf(0x01), data)

	// Newer WriteProc: must overwrite.
	r.SystemCommand(&wire.SystemCommand{
		Type: wire.TypeWriteProc, ProcessIdentifier: 2,
		MsgIdent: uuid.New(), ReadIdent: 2, SectorIdx: 0,
		Timestamp: 6, WriteRank: 1, Data: sectorOf(0x03),
	})
	data, _ = sectorsMgr.ReadData(0)
	require.Equal(t, sectorOf(0x03), data)

	broadcaster.mu.Lock()
	require.Len(t, broadcaster.sends, 2)
	require.Equal(t, wire.TypeAck, broadcaster.sends[0].cmd.Type)
	require.Equal(t, wire.TypeAck, broadcaster.sends[1].cmd.Type)
	broadcaster.mu.Unlock()
}

func TestSelectMaxBreaksTiesByLowestSenderRank(t *testing.T) {
	readlist := map[uint8]valueEntry{
		3: {ts: 5, wr: 2, data: sectorOf(0x03)},
		1: {ts: 5, wr: 2, data: sectorOf(0x01)},
		2: {ts: 5, wr: 2, data: sectorOf(0x02)},
	}
	ts, wr, data := selectMax(readlist)
	require.Equal(t, uint64(5), ts)
	require.Equal(t, uint8(2), wr)
	require.Equal(t, sectorOf(0x01), data)
}

func TestRidIsPersistedAndMonotonicallyIncreasing(t *testing.T) {
	r, storage, _, _ := newTestRegister(1, 3)

	r.ClientCommand(&wire.ClientCommand{Type: wire.TypeClientRead, SectorIdx: 0}, func(OperationSuccess) {})
	r.current = nil // simulate completion without running the full quorum dance

	r.ClientCommand(&wire.ClientCommand{Type: wire.TypeClientRead, SectorIdx: 0}, func(OperationSuccess) {})
	require.Equal(t, uint64(2), r.rid)

	raw, ok, err := storage.Get(ridKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, raw, 8)
}
