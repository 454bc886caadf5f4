package wire

import "encoding/binary"

// headerSize is the encoded size of Header: 2 bytes zero padding, 1 byte
// auxiliary, 1 byte message type.
const headerSize = 4

func (h Header) encode() [headerSize]byte {
	var buf [headerSize]byte
	// buf[0:2] stays zero padding.
	buf[2] = h.Auxiliary
	buf[3] = byte(h.MessageType)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Auxiliary:   buf[2],
		MessageType: MessageType(buf[3]),
	}
}

func putUint64(buf []byte, v uint64) {
	binary.BigEndian.PutUint64(buf, v)
}

func getUint64(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}
