package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/streamlogio/streamlog/pkg/directory"
	"github.com/streamlogio/streamlog/pkg/observability/prometheus"
	"github.com/streamlogio/streamlog/pkg/streamlog"
	"github.com/gorilla/websocket"
)

// tailReadBufferSize is both the read buffer size and the record codec's
// practical chunk size.
const tailReadBufferSize = 128 * 1024

// tailSemaphoreSlots bounds concurrent stream reads per session.
const tailSemaphoreSlots = 8

// streamReadRequest is a client->server tail session message.
type streamReadRequest struct {
	StreamID int64  `json:"stream_id"`
	Offset   uint64 `json:"offset"`
}

// streamReadResponse is a server->client tail session message.
type streamReadResponse struct {
	StreamID int64  `json:"stream_id"`
	Offset   uint64 `json:"offset"`
	Data     string `json:"data"`
	Error    string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  tailReadBufferSize,
	WriteBufferSize: tailReadBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// tailServer hosts the duplex multi-stream tail endpoint on its own
// HTTP listener: gorilla/websocket needs net/http's hijack semantics,
// which the fasthttp-based append server does not expose.
type tailServer struct {
	cfg      Config
	engine   *streamlog.Engine
	dirClt   *directory.Client
	aclCache *directory.ACLCache
	logger   core.Logger

	httpServer *http.Server
	stopped    chan struct{}
}

func newTailServer(cfg Config, engine *streamlog.Engine, dirClt *directory.Client, aclCache *directory.ACLCache, logger core.Logger) *tailServer {
	t := &tailServer{
		cfg:      cfg,
		engine:   engine,
		dirClt:   dirClt,
		aclCache: aclCache,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/stream/read", t.handleUpgrade)
	t.httpServer = &http.Server{Addr: cfg.TailAddr, Handler: mux}
	return t
}

// start runs the tail listener, or (when no TailAddr is configured)
// blocks until stop is called, so it never races Server.Start's
// "first listener to exit wins" error channel.
func (t *tailServer) start() error {
	if t.httpServer.Addr == "" {
		<-t.stopped
		return nil
	}
	err := t.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (t *tailServer) stop() error {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.httpServer.Shutdown(ctx)
}

func (t *tailServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := t.dirClt.VerifyToken(strings.TrimPrefix(authHeader, prefix))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warnf("streamlog rpc: tail websocket upgrade failed: %v", err)
		return
	}

	s := newTailSession(conn, claims.UserID, t.engine, t.aclCache, t.logger)
	s.run()
}

// tailSession multiplexes per-stream pumps over one websocket connection.
type tailSession struct {
	conn     *websocket.Conn
	userID   string
	engine   *streamlog.Engine
	aclCache *directory.ACLCache
	logger   core.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	sem     chan struct{}

	pumpsMu sync.Mutex
	pumps   map[streamlog.StreamID]bool
}

func newTailSession(conn *websocket.Conn, userID string, engine *streamlog.Engine, aclCache *directory.ACLCache, logger core.Logger) *tailSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &tailSession{
		conn:     conn,
		userID:   userID,
		engine:   engine,
		aclCache: aclCache,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, tailSemaphoreSlots),
		pumps:    make(map[streamlog.StreamID]bool),
	}
}

func (s *tailSession) run() {
	defer s.cancel()
	defer s.conn.Close()

	s.conn.SetPongHandler(func(string) error { return nil })

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue // binary frames and pongs are ignored
		}

		var req streamReadRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeError(req.StreamID, "invalid request")
			continue
		}
		s.subscribe(streamlog.StreamID(req.StreamID), req.Offset)
	}
}

// subscribe spawns a per-stream pump on the first request for stream_id;
// later requests for the same stream on this session are silently
// dropped so client re-establishment is idempotent.
func (s *tailSession) subscribe(stream streamlog.StreamID, offset uint64) {
	s.pumpsMu.Lock()
	if s.pumps[stream] {
		s.pumpsMu.Unlock()
		return
	}
	s.pumps[stream] = true
	s.pumpsMu.Unlock()

	go s.pump(stream, offset)
}

// pump drives one subscribed stream's reads. The "re-check ACL if ≥5s
// since last check" interval is enforced by aclCache itself, which only
// hits the directory service once per its configured interval per
// (user, stream); every other call here is answered from the cache.
func (s *tailSession) pump(stream streamlog.StreamID, offset uint64) {
	for {
		if s.ctx.Err() != nil {
			return
		}

		allowed, err := s.aclCache.Allowed(s.userID, int64(stream))
		if err != nil {
			prometheus.GetMetrics().RecordACLCheck("error")
			s.writeError(int64(stream), "forbidden")
			return // ACL denial cancels only this pump, not the whole session
		}
		if !allowed {
			prometheus.GetMetrics().RecordACLCheck("denied")
			s.writeError(int64(stream), "forbidden")
			return
		}
		prometheus.GetMetrics().RecordACLCheck("allowed")

		begin, end := s.engine.GetStreamRange(stream)
		if offset < begin || offset > end {
			s.writeError(int64(stream), "offset out of range")
			return
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}

		reader := s.engine.NewStreamReader(stream)
		reader.Offset = offset
		buf := make([]byte, tailReadBufferSize)

		for {
			n, err := s.engine.Read(reader, buf)
			if err != nil {
				<-s.sem
				s.writeError(int64(stream), "read failed")
				s.cancel() // fatal pump error cancels the whole session
				return
			}
			if n == 0 {
				break
			}
			offset = reader.Offset
			if werr := s.writeResponse(int64(stream), offset, buf[:n]); werr != nil {
				<-s.sem
				return
			}
		}
		<-s.sem

		watcher := s.engine.Watchers().Get(stream)
		newOffset, err := watcher.WaitFor(s.ctx, offset)
		if err != nil {
			return // session cancelled
		}
		offset = newOffset
	}
}

func (s *tailSession) writeResponse(streamID int64, offset uint64, data []byte) error {
	resp := streamReadResponse{
		StreamID: streamID,
		Offset:   offset,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *tailSession) writeError(streamID int64, msg string) {
	resp := streamReadResponse{StreamID: streamID, Error: msg}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.WriteMessage(websocket.TextMessage, payload)
}
