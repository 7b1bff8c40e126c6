package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/streamlogio/streamlog/pkg/directory"
	"github.com/streamlogio/streamlog/pkg/streamlog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

func newTestServerAndClient(t *testing.T, allow func(userID string, streamID int64) (bool, error)) (*httptest.Server, *websocket.Conn, *streamlog.Engine) {
	t.Helper()
	dir := t.TempDir()
	engine, err := streamlog.NewEngine(streamlog.EngineConfig{
		WALDir:       filepath.Join(dir, "wal"),
		SegmentDir:   filepath.Join(dir, "segments"),
		MaxTableSize: 64 << 20,
		MaxWALSize:   1 << 20,
	}, core.NewDefaultLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	dirClt := directory.NewClient(directory.Config{JWTSecret: "test-secret"}, core.NewDefaultLogger())
	aclCache := directory.NewACLCacheFunc(allow, 5*time.Second)

	ts := newTailServer(Config{}, engine, dirClt, aclCache, core.NewDefaultLogger())
	httpSrv := httptest.NewServer(ts.httpServer.Handler)
	t.Cleanup(httpSrv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/stream/read"
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + token}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return httpSrv, conn, engine
}

func readResponse(t *testing.T, conn *websocket.Conn) streamReadResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var resp streamReadResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

// Scenario (e): multi-stream tail multiplexing over one session.
func TestTailSession_MultiStreamMultiplexing(t *testing.T) {
	_, conn, engine := newTestServerAndClient(t, func(string, int64) (bool, error) { return true, nil })
	ctx := context.Background()

	subscribe := func(streamID int64, offset uint64) {
		req, _ := json.Marshal(streamReadRequest{StreamID: streamID, Offset: offset})
		if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	subscribe(10, 0)
	subscribe(20, 0)

	time.Sleep(20 * time.Millisecond) // let both pumps reach their watcher wait

	if _, err := engine.Append(ctx, 10, []byte("A")); err != nil {
		t.Fatalf("Append 10: %v", err)
	}
	if _, err := engine.Append(ctx, 20, []byte("BB")); err != nil {
		t.Fatalf("Append 20: %v", err)
	}
	if _, err := engine.Append(ctx, 10, []byte("C")); err != nil {
		t.Fatalf("Append 10 again: %v", err)
	}

	seen := map[int64]string{}
	for i := 0; i < 3; i++ {
		resp := readResponse(t, conn)
		if resp.Error != "" {
			t.Fatalf("unexpected error response: %+v", resp)
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			t.Fatalf("decoding response data: %v", err)
		}
		seen[resp.StreamID] += string(data)
	}

	if seen[10] != "AC" {
		t.Fatalf("stream 10 accumulated %q, want \"AC\"", seen[10])
	}
	if seen[20] != "BB" {
		t.Fatalf("stream 20 accumulated %q, want \"BB\"", seen[20])
	}
}

// Scenario (f): an ACL change mid-tail cancels the affected pump at its
// next recheck, without needing to wait out a full recheck interval in
// the test (the cache's interval is configured short).
func TestTailSession_ACLChangeMidTailCancelsPump(t *testing.T) {
	var revoked bool
	allow := func(userID string, streamID int64) (bool, error) {
		return !revoked, nil
	}

	dir := t.TempDir()
	engine, err := streamlog.NewEngine(streamlog.EngineConfig{
		WALDir:       filepath.Join(dir, "wal"),
		SegmentDir:   filepath.Join(dir, "segments"),
		MaxTableSize: 64 << 20,
		MaxWALSize:   1 << 20,
	}, core.NewDefaultLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	dirClt := directory.NewClient(directory.Config{JWTSecret: "test-secret"}, core.NewDefaultLogger())
	aclCache := directory.NewACLCacheFunc(allow, 10*time.Millisecond)

	ts := newTailServer(Config{}, engine, dirClt, aclCache, core.NewDefaultLogger())
	httpSrv := httptest.NewServer(ts.httpServer.Handler)
	t.Cleanup(httpSrv.Close)

	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).SignedString([]byte("test-secret"))
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/stream/read"
	header := map[string][]string{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req, _ := json.Marshal(streamReadRequest{StreamID: 10, Offset: 0})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	revoked = true
	time.Sleep(20 * time.Millisecond) // past the 10ms recheck interval

	if _, err := engine.Append(context.Background(), 10, []byte("X")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	resp := readResponse(t, conn)
	if resp.Error == "" {
		t.Fatalf("expected a forbidden error after ACL revocation, got %+v", resp)
	}
}
