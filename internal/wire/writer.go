package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
)

// Writer serializes frames: buffer MAGIC||header||payload, compute the HMAC
// tag over that buffer, then write buffer followed by tag in one call. The
// written bytes exactly match the hashed bytes, so there is no
// double-encoding hazard between what is signed and what is sent.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer emitting frames to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteClientCommand serializes a client READ/WRITE request, authenticated
// with the client HMAC key.
func (wr *Writer) WriteClientCommand(cmd *ClientCommand, clientKey []byte) error {
	if err := requireKeySize(clientKey, ClientKeySize); err != nil {
		return err
	}
	payload, err := encodeClientCommandPayload(cmd)
	if err != nil {
		return err
	}
	header := Header{Auxiliary: 0, MessageType: cmd.Type}
	return wr.writeFrame(header, payload, clientKey)
}

// WriteSystemCommand serializes a ReadProc/Value/WriteProc/Ack frame,
// authenticated with the system HMAC key. Auxiliary carries the sender's
// process rank.
func (wr *Writer) WriteSystemCommand(cmd *SystemCommand, systemKey []byte) error {
	if err := requireKeySize(systemKey, SystemKeySize); err != nil {
		return err
	}
	payload, err := encodeSystemCommandPayload(cmd)
	if err != nil {
		return err
	}
	header := Header{Auxiliary: cmd.ProcessIdentifier, MessageType: cmd.Type}
	return wr.writeFrame(header, payload, systemKey)
}

// WriteResponse serializes a process->client response, authenticated with
// the client HMAC key.
func (wr *Writer) WriteResponse(resp *ClientResponse, clientKey []byte) error {
	if err := requireKeySize(clientKey, ClientKeySize); err != nil {
		return err
	}
	payload, err := encodeResponsePayload(resp)
	if err != nil {
		return err
	}
	header := Header{Auxiliary: uint8(resp.Status), MessageType: resp.Type}
	return wr.writeFrame(header, payload, clientKey)
}

func (wr *Writer) writeFrame(header Header, payload []byte, key []byte) error {
	buf := make([]byte, 0, 4+headerSize+len(payload)+TagSize)
	buf = append(buf, MagicNumber[:]...)
	encodedHeader := header.encode()
	buf = append(buf, encodedHeader[:]...)
	buf = append(buf, payload...)

	mac := hmac.New(sha256.New, key)
	mac.Write(buf)
	tag := mac.Sum(nil)
	buf = append(buf, tag...)

	n, err := wr.w.Write(buf)
	if err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("wire: short write: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

func requireKeySize(key []byte, want int) error {
	if len(key) != want {
		return fmt.Errorf("wire: expected %d-byte key, got %d", want, len(key))
	}
	return nil
}

func requireSectorData(data []byte) error {
	if len(data) != SectorSize {
		return fmt.Errorf("wire: expected %d-byte sector, got %d", SectorSize, len(data))
	}
	return nil
}

func encodeClientCommandPayload(cmd *ClientCommand) ([]byte, error) {
	switch cmd.Type {
	case TypeClientRead:
		buf := make([]byte, 16)
		putUint64(buf[0:8], cmd.RequestIdentifier)
		putUint64(buf[8:16], cmd.SectorIdx)
		return buf, nil
	case TypeClientWrite:
		if err := requireSectorData(cmd.Data); err != nil {
			return nil, err
		}
		buf := make([]byte, 16+SectorSize)
		putUint64(buf[0:8], cmd.RequestIdentifier)
		putUint64(buf[8:16], cmd.SectorIdx)
		copy(buf[16:], cmd.Data)
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: not a client command type: %#02x", byte(cmd.Type))
	}
}

func encodeSystemCommandPayload(cmd *SystemCommand) ([]byte, error) {
	head := make([]byte, 16+8+8) // msg_ident[16], read_ident:u64, sector_idx:u64
	copy(head[0:16], cmd.MsgIdent[:])
	putUint64(head[16:24], cmd.ReadIdent)
	putUint64(head[24:32], cmd.SectorIdx)

	switch cmd.Type {
	case TypeReadProc, TypeAck:
		return head, nil
	case TypeValue, TypeWriteProc:
		if err := requireSectorData(cmd.Data); err != nil {
			return nil, err
		}
		buf := make([]byte, len(head)+8+8+SectorSize)
		copy(buf, head)
		off := len(head)
		putUint64(buf[off:off+8], cmd.Timestamp)
		off += 8
		putUint64(buf[off:off+8], uint64(cmd.WriteRank))
		off += 8
		copy(buf[off:], cmd.Data)
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: not a system command type: %#02x", byte(cmd.Type))
	}
}

func encodeResponsePayload(resp *ClientResponse) ([]byte, error) {
	base := resp.Type &^ ResponseBit
	buf := make([]byte, 8)
	putUint64(buf, resp.RequestIdentifier)
	if base == TypeClientRead && resp.Status == StatusOK {
		if err := requireSectorData(resp.Data); err != nil {
			return nil, err
		}
		buf = append(buf, resp.Data...)
	}
	return buf, nil
}
