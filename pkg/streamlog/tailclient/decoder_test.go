package tailclient

import (
	"testing"

	"github.com/streamlogio/streamlog/pkg/streamlog"
)

// Scenario (d): a tail session's chunk boundary falls mid-record; the
// decoder withholds it until the completing chunk arrives.
func TestStreamDecoder_RecordSplitAcrossChunks(t *testing.T) {
	encoded := streamlog.Encode(nil, streamlog.Record{Format: streamlog.JsonMessage, Content: []byte("hello world")})

	split := len(encoded) / 2
	first, second := encoded[:split], encoded[split:]

	d := NewStreamDecoder(0)

	recs, err := d.Feed(uint64(len(first)), first)
	if err != nil {
		t.Fatalf("Feed(first): %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records from a partial chunk, got %d", len(recs))
	}

	recs, err = d.Feed(uint64(len(encoded)), second)
	if err != nil {
		t.Fatalf("Feed(second): %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record once complete, got %d", len(recs))
	}
	if string(recs[0].Record.Content) != "hello world" {
		t.Fatalf("content = %q, want \"hello world\"", recs[0].Record.Content)
	}
	if recs[0].StartOffset != 0 {
		t.Fatalf("StartOffset = %d, want 0", recs[0].StartOffset)
	}
}

func TestStreamDecoder_MultipleRecordsInOneChunk(t *testing.T) {
	var buf []byte
	buf = streamlog.Encode(buf, streamlog.Record{Format: streamlog.JsonMessage, Content: []byte("a")})
	buf = streamlog.Encode(buf, streamlog.Record{Format: streamlog.JsonEvent, Content: []byte("bb")})

	d := NewStreamDecoder(0)
	recs, err := d.Feed(uint64(len(buf)), buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if string(recs[0].Record.Content) != "a" || recs[0].Record.Format != streamlog.JsonMessage {
		t.Fatalf("record 0 = %+v", recs[0])
	}
	if string(recs[1].Record.Content) != "bb" || recs[1].Record.Format != streamlog.JsonEvent {
		t.Fatalf("record 1 = %+v", recs[1])
	}
	if recs[1].StartOffset <= recs[0].StartOffset {
		t.Fatalf("expected increasing start offsets, got %d then %d", recs[0].StartOffset, recs[1].StartOffset)
	}
}

func TestStreamDecoder_OffsetMismatchDetected(t *testing.T) {
	d := NewStreamDecoder(0)
	_, err := d.Feed(10, []byte("0123456789")) // starts at offset 0, as the decoder expects
	if err != nil {
		t.Fatalf("first Feed should succeed: %v", err)
	}
	_, err = d.Feed(30, []byte("0123456789")) // skips ahead, leaving a gap
	if err == nil {
		t.Fatal("expected an offset mismatch error")
	}
}

func TestRegistry_MultiplexesDistinctStreams(t *testing.T) {
	r := NewRegistry()
	a := r.Get(10, 0)
	b := r.Get(20, 0)
	if a == b {
		t.Fatal("expected distinct decoders per stream id")
	}
	if r.Get(10, 0) != a {
		t.Fatal("expected the same decoder instance on repeated Get for the same stream")
	}
}
