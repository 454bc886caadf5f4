package sectors

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// filenameEncoding is the base64 alphabet used for on-disk sector filenames:
// URL-safe, unpadded, so names are directory-safe and fixed-length.
var filenameEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// filenamePayloadSize is the encoded (sector_idx, ts, wr) triple: an 8-byte
// little-endian sector index, an 8-byte little-endian timestamp, and a
// 2-byte little-endian write-rank (the write-rank value itself never
// exceeds 255, but it is stored in a 2-byte field so the payload divides
// evenly into base64's 3-byte groups: 18 bytes encodes to exactly 24
// characters with no padding, matching the filename length spec.md's P6
// names).
const filenamePayloadSize = 8 + 8 + 2

// tmpfilePrefix marks a file as a write in progress; such files are
// unlinked on startup without being decoded.
const tmpfilePrefix = "tmpfile"

// EncodeFilename returns the on-disk filename for a (sectorIdx, ts, wr)
// triple.
func EncodeFilename(sectorIdx uint64, ts uint64, wr uint8) string {
	buf := make([]byte, filenamePayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], sectorIdx)
	binary.LittleEndian.PutUint64(buf[8:16], ts)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(wr))
	return filenameEncoding.EncodeToString(buf)
}

// DecodeFilename parses a filename produced by EncodeFilename. It returns
// ok=false for any name that isn't a validly encoded triple (e.g. a
// tmpfile or a foreign file in the same directory).
func DecodeFilename(name string) (sectorIdx uint64, ts uint64, wr uint8, ok bool) {
	buf, err := filenameEncoding.DecodeString(name)
	if err != nil || len(buf) != filenamePayloadSize {
		return 0, 0, 0, false
	}
	sectorIdx = binary.LittleEndian.Uint64(buf[0:8])
	ts = binary.LittleEndian.Uint64(buf[8:16])
	wr = uint8(binary.LittleEndian.Uint16(buf[16:18]))
	return sectorIdx, ts, wr, true
}

func tmpFilenameFor(finalName string) string {
	return fmt.Sprintf("%s%s", tmpfilePrefix, finalName)
}
