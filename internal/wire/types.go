// Package wire implements the binary framing used between clients and
// processes and between processes: magic-number framing, a fixed typed
// header, and HMAC-SHA256 authentication of every frame.
package wire

import "github.com/google/uuid"

// SectorSize is the fixed payload size of every sector on the wire and on
// disk.
const SectorSize = 4096

// TagSize is the length of the HMAC-SHA256 authentication tag appended to
// every frame.
const TagSize = 32

// ClientKeySize and SystemKeySize are the required HMAC key lengths for
// client<->process and process<->process frames respectively.
const (
	ClientKeySize = 32
	SystemKeySize = 64
)

// MagicNumber prefixes every frame on the wire.
var MagicNumber = [4]byte{0x61, 0x74, 0x64, 0x64}

// MessageType identifies the kind of payload that follows the header.
// The low six bits name the operation; ResponseBit is OR'd in for
// process->client replies.
type MessageType uint8

const (
	TypeClientRead  MessageType = 0x01
	TypeClientWrite MessageType = 0x02
	TypeReadProc    MessageType = 0x03
	TypeValue       MessageType = 0x04
	TypeWriteProc   MessageType = 0x05
	TypeAck         MessageType = 0x06

	ResponseBit MessageType = 0x40
)

// IsResponse reports whether the response bit is set.
func (t MessageType) IsResponse() bool { return t&ResponseBit != 0 }

// IsClient reports whether t names a client-originated command (Read or
// Write), ignoring the response bit.
func (t MessageType) IsClient() bool {
	base := t &^ ResponseBit
	return base == TypeClientRead || base == TypeClientWrite
}

// IsSystem reports whether t names a process-to-process command.
func (t MessageType) IsSystem() bool {
	switch t {
	case TypeReadProc, TypeValue, TypeWriteProc, TypeAck:
		return true
	default:
		return false
	}
}

// IsQuestion reports whether t is a broadcast (ReadProc/WriteProc) as
// opposed to a unicast answer (Value/Ack).
func (t MessageType) IsQuestion() bool {
	return t == TypeReadProc || t == TypeWriteProc
}

// IsAnswer reports whether t is a unicast answer (Value/Ack).
func (t MessageType) IsAnswer() bool {
	return t == TypeValue || t == TypeAck
}

func (t MessageType) String() string {
	switch t &^ ResponseBit {
	case TypeClientRead:
		if t.IsResponse() {
			return "read_response"
		}
		return "read"
	case TypeClientWrite:
		if t.IsResponse() {
			return "write_response"
		}
		return "write"
	case TypeReadProc:
		return "read_proc"
	case TypeValue:
		return "value"
	case TypeWriteProc:
		return "write_proc"
	case TypeAck:
		return "ack"
	default:
		return "unknown"
	}
}

// StatusCode is carried in the Auxiliary byte of a response header.
type StatusCode uint8

const (
	StatusOK                 StatusCode = 0
	StatusAuthFailure        StatusCode = 1
	StatusInvalidSectorIndex StatusCode = 2
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAuthFailure:
		return "auth_failure"
	case StatusInvalidSectorIndex:
		return "invalid_sector_index"
	default:
		return "unknown"
	}
}

// Header is the 4-byte frame header: 2 zero padding bytes, an auxiliary
// byte (the sender rank on system frames, 0 on client requests, the
// status code on responses), and a message type.
type Header struct {
	Auxiliary   uint8
	MessageType MessageType
}

// ClientCommand is a client->process request frame (READ or WRITE).
type ClientCommand struct {
	Type              MessageType // TypeClientRead or TypeClientWrite
	RequestIdentifier uint64
	SectorIdx         uint64
	Data              []byte // len SectorSize, WRITE only
}

// SystemCommand is a process<->process frame (ReadProc/Value/WriteProc/Ack).
type SystemCommand struct {
	Type              MessageType
	ProcessIdentifier uint8 // sender's rank, carried in header.Auxiliary
	MsgIdent          uuid.UUID
	ReadIdent         uint64
	SectorIdx         uint64
	Timestamp         uint64 // Value/WriteProc only
	WriteRank         uint8  // Value/WriteProc only
	Data              []byte // Value/WriteProc only, len SectorSize
}

// ClientResponse is a process->client reply frame.
type ClientResponse struct {
	Type              MessageType // TypeClientRead|ResponseBit or TypeClientWrite|ResponseBit
	Status            StatusCode
	RequestIdentifier uint64
	Data              []byte // Read responses with Status == StatusOK only
}

// Frame is the result of reading one command frame off the wire: exactly
// one of Client or System is set, and Valid reports whether the HMAC tag
// verified. Invalid frames are surfaced, not dropped, so the caller can
// answer a client with AuthFailure.
type Frame struct {
	Client *ClientCommand
	System *SystemCommand
	Valid  bool
}
