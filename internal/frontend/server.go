// Package frontend implements the connection front-end: one reader
// goroutine and one writer goroutine per accepted TCP connection,
// authenticating frames, validating sector indices, and dispatching to
// the worker pool (spec.md §4.7).
package frontend

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distsys-edu/atomicdrive/internal/atomicregister"
	"github.com/distsys-edu/atomicdrive/internal/logger"
	"github.com/distsys-edu/atomicdrive/internal/metrics"
	"github.com/distsys-edu/atomicdrive/internal/wire"
)

// Dispatcher is the subset of *worker.Dispatcher the front-end needs.
type Dispatcher interface {
	SubmitClient(cmd *wire.ClientCommand, resultCh chan<- atomicregister.OperationSuccess)
	SubmitSystem(cmd *wire.SystemCommand)
}

// Server accepts TCP connections and wires each one's frames to the
// dispatcher, authenticating and bounds-checking before every dispatch.
type Server struct {
	listener     net.Listener
	dispatcher   Dispatcher
	processCount uint8
	nSectors     uint64
	clientKey    []byte
	systemKey    []byte
	metrics      *metrics.Metrics

	connCounter atomic.Uint64
}

// NewServer builds a Server over listener, dispatching accepted sector
// operations to dispatcher. nSectors bounds valid sector_idx values
// (0..nSectors); processCount bounds valid system-command sender ranks
// (1..processCount). m may be nil, in which case operations go
// unobserved.
func NewServer(listener net.Listener, dispatcher Dispatcher, processCount uint8, nSectors uint64, clientKey, systemKey []byte, m *metrics.Metrics) *Server {
	return &Server{
		listener:     listener,
		dispatcher:   dispatcher,
		processCount: processCount,
		nSectors:     nSectors,
		clientKey:    clientKey,
		systemKey:    systemKey,
		metrics:      m,
	}
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("frontend: accept: %w", err)
			}
		}
		connID := fmt.Sprintf("conn-%d", s.connCounter.Add(1))
		go s.handleConn(conn, connID)
	}
}

// failureResponse carries enough information to build a ClientResponse
// for a request that never reached the dispatcher (bad HMAC or an
// out-of-range sector index): unlike a dispatched OperationSuccess, there
// is no register-side Read/Write result to derive the response type from,
// so the original command's type travels along with the failure.
type failureResponse struct {
	requestIdentifier uint64
	status            wire.StatusCode
	cmdType           wire.MessageType
}

func (s *Server) handleConn(conn net.Conn, connID string) {
	defer conn.Close()

	clientIP := conn.RemoteAddr().String()
	logger.Info("connection accepted", logger.ConnID(connID), logger.ClientIP(clientIP))

	reader := wire.NewReader(conn, s.clientKey, s.systemKey)
	writer := wire.NewWriter(conn)

	successCh := make(chan atomicregister.OperationSuccess, 16)
	failureCh := make(chan failureResponse, 16)
	writerDone := make(chan struct{})
	starts := &requestStarts{byRequestID: make(map[uint64]time.Time)}
	go s.writeLoop(writer, successCh, failureCh, starts, writerDone)

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			break
		}
		switch {
		case frame.Client != nil:
			s.handleClientFrame(frame, successCh, failureCh, starts)
		case frame.System != nil:
			s.handleSystemFrame(frame)
		}
	}

	close(successCh)
	close(failureCh)
	<-writerDone
	logger.Info("connection closed", logger.ConnID(connID))
}

// requestStarts tracks dispatch time per in-flight RequestIdentifier on a
// connection, so the writer goroutine can report operation latency when
// the matching success arrives. Scoped to one connection: a
// client only ever has one command in flight at a time, but the map
// tolerates pipelined identifiers too.
type requestStarts struct {
	mu          sync.Mutex
	byRequestID map[uint64]time.Time
}

func (r *requestStarts) record(id uint64) {
	r.mu.Lock()
	r.byRequestID[id] = time.Now()
	r.mu.Unlock()
}

func (r *requestStarts) take(id uint64) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.byRequestID[id]
	if !ok {
		return 0, false
	}
	delete(r.byRequestID, id)
	return time.Since(start), true
}

func (s *Server) handleClientFrame(frame *wire.Frame, successCh chan atomicregister.OperationSuccess, failureCh chan<- failureResponse, starts *requestStarts) {
	cmd := frame.Client
	if !frame.Valid {
		s.metrics.ObserveOperation(operationName(cmd.Type), "auth_failure", 0)
		failureCh <- failureResponse{requestIdentifier: cmd.RequestIdentifier, status: wire.StatusAuthFailure, cmdType: cmd.Type}
		return
	}
	if cmd.SectorIdx >= s.nSectors {
		s.metrics.ObserveOperation(operationName(cmd.Type), "invalid_sector_index", 0)
		failureCh <- failureResponse{requestIdentifier: cmd.RequestIdentifier, status: wire.StatusInvalidSectorIndex, cmdType: cmd.Type}
		return
	}
	starts.record(cmd.RequestIdentifier)
	s.dispatcher.SubmitClient(cmd, successCh)
}

func operationName(cmdType wire.MessageType) string {
	if cmdType == wire.TypeClientRead {
		return "read"
	}
	return "write"
}

func (s *Server) handleSystemFrame(frame *wire.Frame) {
	cmd := frame.System
	if !frame.Valid {
		return // bad system HMAC: silent drop
	}
	if cmd.ProcessIdentifier < 1 || cmd.ProcessIdentifier > s.processCount {
		logger.Error("dropped system command with invalid process_identifier", logger.PeerRank(cmd.ProcessIdentifier))
		return
	}
	if cmd.SectorIdx >= s.nSectors {
		logger.Error("dropped system command with invalid sector_idx", logger.SectorIdx(cmd.SectorIdx))
		return
	}
	s.dispatcher.SubmitSystem(cmd)
}

func (s *Server) writeLoop(writer *wire.Writer, successCh <-chan atomicregister.OperationSuccess, failureCh <-chan failureResponse, starts *requestStarts, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case success, ok := <-successCh:
			if !ok {
				return
			}
			operation := "write"
			if success.IsRead {
				operation = "read"
			}
			if d, ok := starts.take(success.RequestIdentifier); ok {
				s.metrics.ObserveOperation(operation, "ok", d)
			}
			if err := writer.WriteResponse(buildSuccessResponse(success), s.clientKey); err != nil {
				return
			}
		case fail, ok := <-failureCh:
			if !ok {
				return
			}
			resp := &wire.ClientResponse{
				Type:              fail.cmdType | wire.ResponseBit,
				Status:            fail.status,
				RequestIdentifier: fail.requestIdentifier,
			}
			if err := writer.WriteResponse(resp, s.clientKey); err != nil {
				return
			}
		}
	}
}

func buildSuccessResponse(success atomicregister.OperationSuccess) *wire.ClientResponse {
	if success.IsRead {
		return &wire.ClientResponse{
			Type:              wire.TypeClientRead | wire.ResponseBit,
			Status:            wire.StatusOK,
			RequestIdentifier: success.RequestIdentifier,
			Data:              success.ReadData,
		}
	}
	return &wire.ClientResponse{
		Type:              wire.TypeClientWrite | wire.ResponseBit,
		Status:            wire.StatusOK,
		RequestIdentifier: success.RequestIdentifier,
	}
}
