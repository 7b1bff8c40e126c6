package streamlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// DataFormat tags the payload shape carried inside a record's content.
// Unknown values decode as JsonMessage.
type DataFormat uint32

const (
	JsonMessage DataFormat = 0
	JsonEvent   DataFormat = 1
)

// metaSize is the encoded size of one meta block: four little-endian u32 fields.
const metaSize = 16

// Record is the unit a caller hands to the engine and a tail reader
// reconstructs: a length/CRC-delimited envelope with a mirrored trailer.
type Record struct {
	Format  DataFormat
	Content []byte
}

var (
	// ErrInvalidLength is returned when buf is shorter than the envelope
	// the leading meta declares. Callers that expect buf to already hold a
	// complete, independently-framed unit (e.g. a round-trip test) treat
	// this as a hard decode failure; a streaming reassembler instead checks
	// length itself before calling Decode, so it never observes this error
	// as anything other than "wait for more bytes" (see tailclient).
	ErrInvalidLength = errors.New("streamlog: invalid length")
	ErrInvalidCRC    = errors.New("streamlog: invalid crc")
)

// EncodedLen returns the total wire length of a record whose content is
// contentLen bytes.
func EncodedLen(contentLen int) int {
	return 2*metaSize + contentLen
}

// Encode appends the framed envelope for r to dst and returns the result.
func Encode(dst []byte, r Record) []byte {
	var meta [metaSize]byte
	crc := crc32.ChecksumIEEE(r.Content)
	putMeta(meta[:], 0, uint32(len(r.Content)), crc, uint32(r.Format))

	dst = append(dst, meta[:]...)
	dst = append(dst, r.Content...)
	dst = append(dst, meta[:]...)
	return dst
}

func putMeta(b []byte, version, contentSize, crc, dataFormat uint32) {
	binary.LittleEndian.PutUint32(b[0:4], version)
	binary.LittleEndian.PutUint32(b[4:8], contentSize)
	binary.LittleEndian.PutUint32(b[8:12], crc)
	binary.LittleEndian.PutUint32(b[12:16], dataFormat)
}

type meta struct {
	version     uint32
	contentSize uint32
	crc         uint32
	dataFormat  uint32
}

func readMeta(b []byte) meta {
	return meta{
		version:     binary.LittleEndian.Uint32(b[0:4]),
		contentSize: binary.LittleEndian.Uint32(b[4:8]),
		crc:         binary.LittleEndian.Uint32(b[8:12]),
		dataFormat:  binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Decode reads one record from the head of buf.
//
// Returns (record, bytesConsumed, nil) on success, (Record{}, 0,
// ErrInvalidLength) when buf is shorter than the envelope the leading
// meta declares, and (Record{}, 0, ErrInvalidCRC) when the content's CRC
// does not match the leading meta.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < metaSize {
		return Record{}, 0, ErrInvalidLength
	}
	lead := readMeta(buf[:metaSize])

	total := EncodedLen(int(lead.contentSize))
	if len(buf) < total {
		return Record{}, 0, ErrInvalidLength
	}

	content := buf[metaSize : metaSize+int(lead.contentSize)]
	if crc32.ChecksumIEEE(content) != lead.crc {
		return Record{}, 0, ErrInvalidCRC
	}

	// Trailer is read and discarded; it is not compared with the leading meta.
	trailer := buf[metaSize+int(lead.contentSize) : total]
	_ = readMeta(trailer)

	format := DataFormat(lead.dataFormat)
	if format != JsonMessage && format != JsonEvent {
		format = JsonMessage
	}

	out := make([]byte, len(content))
	copy(out, content)

	return Record{Format: format, Content: out}, total, nil
}
