package registerclient

import (
	"net"
	"sync"
	"time"

	"github.com/distsys-edu/atomicdrive/internal/logger"
	"github.com/distsys-edu/atomicdrive/internal/metrics"
	"github.com/distsys-edu/atomicdrive/internal/wire"
)

// reconnectBackoff is the delay between connection attempts to a peer.
const reconnectBackoff = 200 * time.Millisecond

// connector is one stubborn outbound connection to a single peer: an
// unbounded FIFO queue plus a goroutine that perpetually reconnects and
// drains the queue, dropping the connection and restarting on any
// serialization error.
type connector struct {
	peerRank  uint8
	addr      string
	systemKey []byte
	metrics   *metrics.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*wire.SystemCommand
	closed bool
}

func newConnector(peerRank uint8, addr string, systemKey []byte, m *metrics.Metrics) *connector {
	c := &connector{peerRank: peerRank, addr: addr, systemKey: systemKey, metrics: m}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

// enqueue appends cmd to the outbound FIFO, preserving per-peer order.
func (c *connector) enqueue(cmd *wire.SystemCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, cmd)
	c.cond.Signal()
}

// close stops the connector's goroutine. While a connection is open,
// messages already enqueued are still written before the goroutine exits;
// with no open connection they are discarded. Per-peer FIFO ordering is
// kept either way — reconnects never reorder, they only drop in-flight
// bytes, which callers of this register-client already tolerate.
func (c *connector) close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *connector) run() {
	for {
		if c.isClosed() {
			return
		}
		time.Sleep(reconnectBackoff)
		if c.isClosed() {
			return
		}

		c.metrics.ObserveReconnect(c.peerRank)
		conn, err := net.DialTimeout("tcp", c.addr, reconnectBackoff)
		if err != nil {
			continue
		}

		if err := c.drain(conn); err != nil {
			logger.Debug("register-client connector dropped connection",
				logger.PeerRank(c.peerRank), logger.Err(err))
		}
		conn.Close()
	}
}

func (c *connector) drain(conn net.Conn) error {
	w := wire.NewWriter(conn)
	for {
		cmd, ok := c.dequeue()
		if !ok {
			return nil // closed
		}
		if err := w.WriteSystemCommand(cmd, c.systemKey); err != nil {
			// Put the message back at the front so the next connection
			// attempt still delivers it, matching the FIFO, no-loss-on-
			// serialize-error intent of the connector loop.
			c.requeueFront(cmd)
			return err
		}
	}
}

func (c *connector) dequeue() (*wire.SystemCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed && len(c.queue) == 0 {
		return nil, false
	}
	cmd := c.queue[0]
	c.queue = c.queue[1:]
	return cmd, true
}

func (c *connector) requeueFront(cmd *wire.SystemCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append([]*wire.SystemCommand{cmd}, c.queue...)
	c.cond.Signal()
}

func (c *connector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
