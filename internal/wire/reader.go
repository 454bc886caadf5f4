package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/distsys-edu/atomicdrive/internal/logger"
)

// Reader deserializes frames off a stream: it scans forward until it
// recognizes MagicNumber, parses the header, reads the type-specific
// payload, and verifies the trailing HMAC tag. Frames with an unrecognized
// message type are logged and skipped; the scan resumes from the next byte
// rather than terminating the stream, since a peer may be retransmitting a
// frame from a newer protocol revision.
type Reader struct {
	r         io.Reader
	clientKey []byte
	systemKey []byte
}

// NewReader returns a Reader authenticating client frames with clientKey
// and system frames with systemKey.
func NewReader(r io.Reader, clientKey, systemKey []byte) *Reader {
	return &Reader{r: r, clientKey: clientKey, systemKey: systemKey}
}

// ReadFrame reads the next command frame (ReadFrame never returns a
// response frame; use ReadResponse for those). It blocks until a frame
// is fully read or the underlying stream errors.
func (rd *Reader) ReadFrame() (*Frame, error) {
	for {
		if err := rd.readUntilMagic(); err != nil {
			return nil, err
		}
		hbuf, err := rd.readFixed(headerSize)
		if err != nil {
			return nil, err
		}
		header := decodeHeader(hbuf)
		if !isKnownIncomingType(header.MessageType) {
			logger.Warn("read magic number but command type was invalid",
				logger.MessageType(fmt.Sprintf("%#02x", byte(header.MessageType))))
			continue
		}

		payload, err := rd.readCommandPayload(header.MessageType)
		if err != nil {
			return nil, err
		}
		tag, err := rd.readFixed(TagSize)
		if err != nil {
			return nil, err
		}

		key := rd.systemKey
		if header.MessageType.IsClient() {
			key = rd.clientKey
		}
		valid := verifyTag(buildSignedBytes(hbuf, payload), tag, key)

		frame := decodeCommandFrame(header, payload)
		frame.Valid = valid
		return frame, nil
	}
}

// ReadResponse reads the next process->client response frame.
func (rd *Reader) ReadResponse() (*ClientResponse, bool, error) {
	if err := rd.readUntilMagic(); err != nil {
		return nil, false, err
	}
	hbuf, err := rd.readFixed(headerSize)
	if err != nil {
		return nil, false, err
	}
	header := decodeHeader(hbuf)
	if !header.MessageType.IsResponse() || !header.MessageType.IsClient() {
		return nil, false, fmt.Errorf("wire: not a response frame: %#02x", byte(header.MessageType))
	}

	base := header.MessageType &^ ResponseBit
	status := StatusCode(header.Auxiliary)
	n := 8
	if base == TypeClientRead && status == StatusOK {
		n += SectorSize
	}
	payload, err := rd.readFixed(n)
	if err != nil {
		return nil, false, err
	}
	tag, err := rd.readFixed(TagSize)
	if err != nil {
		return nil, false, err
	}
	valid := verifyTag(buildSignedBytes(hbuf, payload), tag, rd.clientKey)

	resp := &ClientResponse{
		Type:              header.MessageType,
		Status:            status,
		RequestIdentifier: getUint64(payload[0:8]),
	}
	if len(payload) > 8 {
		resp.Data = payload[8:]
	}
	return resp, valid, nil
}

func (rd *Reader) readUntilMagic() error {
	var window [4]byte
	for window != MagicNumber {
		copy(window[0:3], window[1:4])
		b, err := rd.readFixed(1)
		if err != nil {
			return err
		}
		window[3] = b[0]
	}
	return nil
}

func (rd *Reader) readFixed(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return nil, fmt.Errorf("wire: read %d bytes: %w", n, err)
	}
	return buf, nil
}

func (rd *Reader) readCommandPayload(t MessageType) ([]byte, error) {
	switch t {
	case TypeClientRead:
		return rd.readFixed(16)
	case TypeClientWrite:
		return rd.readFixed(16 + SectorSize)
	case TypeReadProc, TypeAck:
		return rd.readFixed(32)
	case TypeValue, TypeWriteProc:
		return rd.readFixed(32 + 8 + 8 + SectorSize)
	default:
		return nil, fmt.Errorf("wire: unreachable: unknown command type %#02x", byte(t))
	}
}

func isKnownIncomingType(t MessageType) bool {
	switch t {
	case TypeClientRead, TypeClientWrite, TypeReadProc, TypeValue, TypeWriteProc, TypeAck:
		return true
	default:
		return false
	}
}

func buildSignedBytes(header []byte, payload []byte) []byte {
	buf := make([]byte, 0, 4+len(header)+len(payload))
	buf = append(buf, MagicNumber[:]...)
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf
}

func verifyTag(signed []byte, tag []byte, key []byte) bool {
	if len(key) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(signed)
	want := mac.Sum(nil)
	return hmac.Equal(want, tag)
}

func decodeCommandFrame(header Header, payload []byte) *Frame {
	switch header.MessageType {
	case TypeClientRead:
		return &Frame{Client: &ClientCommand{
			Type:              header.MessageType,
			RequestIdentifier: getUint64(payload[0:8]),
			SectorIdx:         getUint64(payload[8:16]),
		}}
	case TypeClientWrite:
		return &Frame{Client: &ClientCommand{
			Type:              header.MessageType,
			RequestIdentifier: getUint64(payload[0:8]),
			SectorIdx:         getUint64(payload[8:16]),
			Data:              payload[16:],
		}}
	case TypeReadProc, TypeAck:
		return &Frame{System: &SystemCommand{
			Type:              header.MessageType,
			ProcessIdentifier: header.Auxiliary,
			MsgIdent:          uuid.Must(uuid.FromBytes(payload[0:16])),
			ReadIdent:         getUint64(payload[16:24]),
			SectorIdx:         getUint64(payload[24:32]),
		}}
	case TypeValue, TypeWriteProc:
		return &Frame{System: &SystemCommand{
			Type:              header.MessageType,
			ProcessIdentifier: header.Auxiliary,
			MsgIdent:          uuid.Must(uuid.FromBytes(payload[0:16])),
			ReadIdent:         getUint64(payload[16:24]),
			SectorIdx:         getUint64(payload[24:32]),
			Timestamp:         getUint64(payload[32:40]),
			WriteRank:         uint8(getUint64(payload[40:48])),
			Data:              payload[48:],
		}}
	default:
		return &Frame{}
	}
}
