// Package registerclient implements the stubborn best-effort
// register-client: one persistent outbound TCP connection per peer with
// unbounded FIFO delivery, and a single resender actor that perpetually
// retransmits the most recent broadcast per operation identifier until
// cancelled.
package registerclient

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/distsys-edu/atomicdrive/internal/metrics"
	"github.com/distsys-edu/atomicdrive/internal/wire"
)

// resendInterval is how often outstanding broadcasts are retransmitted.
const resendInterval = 500 * time.Millisecond

// Location identifies one peer process by rank and TCP address.
type Location struct {
	Rank uint8
	Addr string
}

// Client is shared across all of a process's workers. Internally it is
// actor-based (one goroutine per connector, one for the resender); callers
// only ever enqueue.
type Client struct {
	selfRank  uint8
	systemKey []byte
	peers     map[uint8]*connector

	mu      sync.Mutex
	resends map[uuid.UUID]*wire.SystemCommand
	stopCh  chan struct{}
	stopped bool
}

// New builds a Client for selfRank, dialing a connector to every other
// process in locations. m may be nil, in which case reconnects go
// unobserved.
func New(selfRank uint8, locations []Location, systemKey []byte, m *metrics.Metrics) *Client {
	c := &Client{
		selfRank:  selfRank,
		systemKey: systemKey,
		peers:     make(map[uint8]*connector, len(locations)),
		resends:   make(map[uuid.UUID]*wire.SystemCommand),
		stopCh:    make(chan struct{}),
	}
	for _, loc := range locations {
		if loc.Rank == selfRank {
			continue
		}
		c.peers[loc.Rank] = newConnector(loc.Rank, loc.Addr, systemKey, m)
	}
	go c.resendLoop()
	return c
}

// Close stops the resender and every connector goroutine. Intended for
// test teardown and process shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	for _, conn := range c.peers {
		conn.close()
	}
}

func (c *Client) resendLoop() {
	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.resendAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) resendAll() {
	c.mu.Lock()
	cmds := make([]*wire.SystemCommand, 0, len(c.resends))
	for _, cmd := range c.resends {
		cmds = append(cmds, cmd)
	}
	c.mu.Unlock()

	for _, cmd := range cmds {
		c.fanOut(cmd)
	}
}

func (c *Client) fanOut(cmd *wire.SystemCommand) {
	for _, conn := range c.peers {
		cmdCopy := *cmd
		cmdCopy.ProcessIdentifier = c.selfRank
		conn.enqueue(&cmdCopy)
	}
}

// Broadcast sends a QUESTION message (ReadProc or WriteProc) to every peer
// except self, scheduling perpetual retransmission every 500ms until a
// matching Send cancels it. Inserting overwrites any earlier broadcast
// with the same MsgIdent, so only the latest version of an operation is
// ever resent.
func (c *Client) Broadcast(cmd *wire.SystemCommand) {
	if !cmd.Type.IsQuestion() {
		panic("registerclient: Broadcast requires a QUESTION message (ReadProc/WriteProc)")
	}
	cmd.ProcessIdentifier = c.selfRank

	c.mu.Lock()
	c.resends[cmd.MsgIdent] = cmd
	c.mu.Unlock()

	c.fanOut(cmd)
}

// Send unicasts an ANSWER message (Value or Ack) to target, at-least-once,
// with no retransmission from this client. It cancels retransmission of
// any outstanding broadcast sharing cmd.MsgIdent — this is how a worker
// signals "operation complete" to itself: it calls Send with target equal
// to its own rank, which is never put on the wire but still clears the
// resend entry.
func (c *Client) Send(target uint8, cmd *wire.SystemCommand) {
	if !cmd.Type.IsAnswer() {
		panic("registerclient: Send requires an ANSWER message (Value/Ack)")
	}
	cmd.ProcessIdentifier = c.selfRank

	c.mu.Lock()
	delete(c.resends, cmd.MsgIdent)
	c.mu.Unlock()

	if target == c.selfRank {
		return
	}
	conn, ok := c.peers[target]
	if !ok {
		return
	}
	conn.enqueue(cmd)
}
