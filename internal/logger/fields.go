package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the register process:
// frontend connections, worker dispatch, the atomic register state machine,
// and the stubborn register-client. Use these keys consistently across all
// log statements for log aggregation and querying.
const (
	// ========================================================================
	// Process & Peer Identity
	// ========================================================================
	KeyProcessRank = "process_rank" // this process's 1-indexed rank
	KeyPeerRank    = "peer_rank"    // remote process rank a message targets or came from

	// ========================================================================
	// Connection & Request
	// ========================================================================
	KeyConnID     = "conn_id"     // accepted TCP connection identifier
	KeyClientIP   = "client_ip"   // client IP address
	KeyRequestID  = "request_id"  // client-supplied request_identifier
	KeyAuthResult = "auth_result" // hmac_valid, hmac_invalid

	// ========================================================================
	// Protocol & Message
	// ========================================================================
	KeyMessageType = "message_type" // read, write, read_proc, value, write_proc, ack
	KeyMsgIdent    = "msg_ident"    // system_command UUID identifying one client operation
	KeyReadIdent   = "read_ident"   // read identifier (rid) carried by a system_command
	KeyRid         = "rid"          // this worker's persisted read identifier counter

	// ========================================================================
	// Sector & Storage
	// ========================================================================
	KeySectorIdx  = "sector_idx"  // sector index, 0-based
	KeyWorkerID   = "worker_id"   // worker owning sector_idx % n_workers
	KeyTimestamp  = "timestamp"   // register timestamp (ts) of a sector value
	KeyWriteRank  = "write_rank"  // writer process rank (wr) of a sector value
	KeyStorageKey = "storage_key" // stable-storage key name

	// ========================================================================
	// Outcome
	// ========================================================================
	KeyStatus    = "status"    // operation outcome: ok, auth_failure, invalid_sector_index
	KeyAttempt   = "attempt"   // retransmission/reconnect attempt number
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError     = "error"     // error message
)

// ProcessRank returns a slog.Attr for this process's rank.
func ProcessRank(rank uint8) slog.Attr {
	return slog.Int(KeyProcessRank, int(rank))
}

// PeerRank returns a slog.Attr for a remote process rank.
func PeerRank(rank uint8) slog.Attr {
	return slog.Int(KeyPeerRank, int(rank))
}

// ConnID returns a slog.Attr for a connection identifier.
func ConnID(id string) slog.Attr {
	return slog.String(KeyConnID, id)
}

// ClientIP returns a slog.Attr for a client IP address.
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// RequestID returns a slog.Attr for a client request identifier.
func RequestID(id uint64) slog.Attr {
	return slog.Uint64(KeyRequestID, id)
}

// AuthResult returns a slog.Attr for the outcome of HMAC verification.
func AuthResult(valid bool) slog.Attr {
	if valid {
		return slog.String(KeyAuthResult, "hmac_valid")
	}
	return slog.String(KeyAuthResult, "hmac_invalid")
}

// MessageType returns a slog.Attr naming a wire message type.
func MessageType(t string) slog.Attr {
	return slog.String(KeyMessageType, t)
}

// MsgIdent returns a slog.Attr for the UUID identifying a client operation.
func MsgIdent(id string) slog.Attr {
	return slog.String(KeyMsgIdent, id)
}

// ReadIdent returns a slog.Attr for a system_command's read identifier.
func ReadIdent(rid uint64) slog.Attr {
	return slog.Uint64(KeyReadIdent, rid)
}

// Rid returns a slog.Attr for this worker's persisted read-identifier counter.
func Rid(rid uint64) slog.Attr {
	return slog.Uint64(KeyRid, rid)
}

// SectorIdx returns a slog.Attr for a sector index.
func SectorIdx(idx uint64) slog.Attr {
	return slog.Uint64(KeySectorIdx, idx)
}

// WorkerID returns a slog.Attr for the worker owning a sector.
func WorkerID(id uint8) slog.Attr {
	return slog.Int(KeyWorkerID, int(id))
}

// Timestamp returns a slog.Attr for a sector value's register timestamp.
func Timestamp(ts uint64) slog.Attr {
	return slog.Uint64(KeyTimestamp, ts)
}

// WriteRank returns a slog.Attr for a sector value's writer rank.
func WriteRank(wr uint8) slog.Attr {
	return slog.Int(KeyWriteRank, int(wr))
}

// StorageKey returns a slog.Attr for a stable-storage key name.
func StorageKey(key string) slog.Attr {
	return slog.String(KeyStorageKey, key)
}

// Status returns a slog.Attr for an operation outcome.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Attempt returns a slog.Attr for a retry/reconnect attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or a zero Attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
