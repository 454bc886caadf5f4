package registerclient

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/distsys-edu/atomicdrive/internal/wire"
)

func testSystemKey() []byte {
	return bytes.Repeat([]byte{0x11}, wire.SystemKeySize)
}

func startEchoListener(t *testing.T, systemKey []byte) (addr string, received chan *wire.SystemCommand) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	received = make(chan *wire.SystemCommand, 64)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := wire.NewReader(conn, nil, systemKey)
		for {
			frame, err := r.ReadFrame()
			if err != nil {
				return
			}
			if frame.System != nil {
				received <- frame.System
			}
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), received
}

func TestBroadcastDeliversToAllPeersExceptSelf(t *testing.T) {
	systemKey := testSystemKey()
	addr2, received2 := startEchoListener(t, systemKey)
	addr3, received3 := startEchoListener(t, systemKey)

	client := New(1, []Location{
		{Rank: 1, Addr: "unused"},
		{Rank: 2, Addr: addr2},
		{Rank: 3, Addr: addr3},
	}, systemKey, nil)
	defer client.Close()

	msgIdent := uuid.New()
	client.Broadcast(&wire.SystemCommand{
		Type:      wire.TypeReadProc,
		MsgIdent:  msgIdent,
		ReadIdent: 1,
		SectorIdx: 0,
	})

	for _, ch := range []chan *wire.SystemCommand{received2, received3} {
		select {
		case cmd := <-ch:
			require.Equal(t, msgIdent, cmd.MsgIdent)
			require.Equal(t, uint8(1), cmd.ProcessIdentifier)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broadcast delivery")
		}
	}
}

func TestSendCancelsOutstandingBroadcast(t *testing.T) {
	client := New(1, []Location{{Rank: 1, Addr: "unused"}}, testSystemKey(), nil)
	defer client.Close()

	msgIdent := uuid.New()
	client.Broadcast(&wire.SystemCommand{
		Type:      wire.TypeReadProc,
		MsgIdent:  msgIdent,
		ReadIdent: 1,
		SectorIdx: 0,
	})

	client.mu.Lock()
	_, stillPending := client.resends[msgIdent]
	client.mu.Unlock()
	require.True(t, stillPending)

	// A worker signals operation completion by sending an Ack to itself.
	client.Send(1, &wire.SystemCommand{
		Type:      wire.TypeAck,
		MsgIdent:  msgIdent,
		ReadIdent: 1,
		SectorIdx: 0,
	})

	client.mu.Lock()
	_, stillPendingAfter := client.resends[msgIdent]
	client.mu.Unlock()
	require.False(t, stillPendingAfter)
}

func TestSendUnicastsToTarget(t *testing.T) {
	systemKey := testSystemKey()
	addr2, received2 := startEchoListener(t, systemKey)

	client := New(1, []Location{
		{Rank: 1, Addr: "unused"},
		{Rank: 2, Addr: addr2},
	}, systemKey, nil)
	defer client.Close()

	client.Send(2, &wire.SystemCommand{
		Type:      wire.TypeAck,
		MsgIdent:  uuid.New(),
		ReadIdent: 1,
		SectorIdx: 0,
	})

	select {
	case cmd := <-received2:
		require.Equal(t, wire.TypeAck, cmd.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unicast delivery")
	}
}

func TestBroadcastPanicsOnAnswerType(t *testing.T) {
	client := New(1, nil, testSystemKey(), nil)
	defer client.Close()
	require.Panics(t, func() {
		client.Broadcast(&wire.SystemCommand{Type: wire.TypeAck, MsgIdent: uuid.New()})
	})
}

func TestSendPanicsOnQuestionType(t *testing.T) {
	client := New(1, nil, testSystemKey(), nil)
	defer client.Close()
	require.Panics(t, func() {
		client.Send(2, &wire.SystemCommand{Type: wire.TypeReadProc, MsgIdent: uuid.New()})
	})
}
