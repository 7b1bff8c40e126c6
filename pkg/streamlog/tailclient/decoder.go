// Package tailclient reassembles framed records from a tail session's
// raw byte chunks, which may split a record across arbitrary network
// chunk boundaries.
package tailclient

import (
	"encoding/binary"
	"fmt"

	"github.com/streamlogio/streamlog/pkg/streamlog"
)

// recordMetaSize mirrors streamlog's on-wire meta block: four
// little-endian u32 fields (version, content size, crc, format). The
// decoder parses this itself to decide whether a full record is
// available, rather than calling streamlog.Decode speculatively and
// reading its length error as a "need more bytes" signal.
const recordMetaSize = 16

// DecodedRecord pairs a reassembled record with the stream offset at
// which it started.
type DecodedRecord struct {
	Record      streamlog.Record
	StartOffset uint64
}

// StreamDecoder holds one stream's incremental reassembly state:
// {expected_next_offset, buffer}.
type StreamDecoder struct {
	expectedNextOffset uint64
	buffer             []byte
}

// NewStreamDecoder creates a decoder expecting its first chunk to start
// at startOffset.
func NewStreamDecoder(startOffset uint64) *StreamDecoder {
	return &StreamDecoder{expectedNextOffset: startOffset}
}

// Feed appends one tail-session response's data, asserting it is
// contiguous with what this decoder has already seen, then decodes as
// many complete records as the buffer currently allows.
func (d *StreamDecoder) Feed(postReadOffset uint64, data []byte) ([]DecodedRecord, error) {
	chunkStart := postReadOffset - uint64(len(data))
	if chunkStart != d.expectedNextOffset {
		return nil, fmt.Errorf("tailclient: offset mismatch: chunk starts at %d, expected %d", chunkStart, d.expectedNextOffset)
	}

	d.buffer = append(d.buffer, data...)
	d.expectedNextOffset = postReadOffset

	var out []DecodedRecord
	bufStart := d.expectedNextOffset - uint64(len(d.buffer))
	for {
		if len(d.buffer) < recordMetaSize {
			break // not even a full leading meta yet; wait for more
		}
		contentSize := binary.LittleEndian.Uint32(d.buffer[4:8])
		total := streamlog.EncodedLen(int(contentSize))
		if len(d.buffer) < total {
			break // have the meta but not the full record; wait for more
		}

		rec, n, err := streamlog.Decode(d.buffer)
		if err != nil {
			return out, err
		}
		out = append(out, DecodedRecord{Record: rec, StartOffset: bufStart})
		d.buffer = d.buffer[n:]
		bufStart += uint64(n)
	}
	return out, nil
}

// Registry maps each subscribed stream id to its decoder, so one tail
// session can multiplex many streams.
type Registry struct {
	decoders map[int64]*StreamDecoder
}

// NewRegistry creates an empty decoder registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[int64]*StreamDecoder)}
}

// Get returns the decoder for streamID, creating one seeded at
// startOffset if this is the first response seen for that stream.
func (r *Registry) Get(streamID int64, startOffset uint64) *StreamDecoder {
	d, ok := r.decoders[streamID]
	if !ok {
		d = NewStreamDecoder(startOffset)
		r.decoders[streamID] = d
	}
	return d
}
