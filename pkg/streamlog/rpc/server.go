// Package rpc exposes the storage engine over the network: unary and
// batch append over fasthttp, and a duplex multi-stream tail session
// over a WebSocket.
package rpc

import (
	"fmt"
	"strings"
	"time"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/streamlogio/streamlog/pkg/directory"
	"github.com/streamlogio/streamlog/pkg/observability/prometheus"
	"github.com/streamlogio/streamlog/pkg/streamlog"
	"github.com/streamlogio/streamlog/pkg/web"
	"github.com/streamlogio/streamlog/pkg/web/middleware"
	"github.com/streamlogio/streamlog/pkg/web/middleware/security"
	"github.com/valyala/fasthttp"
)

// Config configures the append/tail RPC server.
type Config struct {
	Addr      string // unary/batch append HTTP address
	TailAddr  string // duplex tail WebSocket address
	JWTSecret string
}

// Server binds a storage engine to the append/tail RPC surface.
type Server struct {
	cfg      Config
	engine   *streamlog.Engine
	aclCache *directory.ACLCache
	dirClt   *directory.Client
	logger   core.Logger

	httpServer *web.FastHTTPServer
	tail       *tailServer
}

// New builds an RPC server around engine, authenticating callers via
// dirClt and caching ACL decisions in aclCache.
func New(cfg Config, engine *streamlog.Engine, dirClt *directory.Client, aclCache *directory.ACLCache, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		aclCache: aclCache,
		dirClt:   dirClt,
		logger:   logger,
	}
	s.httpServer = web.NewFastHTTPServer(logger, web.DefaultFastHTTPServerConfig(cfg.Addr))
	s.registerRoutes()
	s.tail = newTailServer(cfg, engine, dirClt, aclCache, logger)
	return s
}

func (s *Server) registerRoutes() {
	router := s.httpServer.Router()

	router.UseFast(
		middleware.Recovery(middleware.DefaultRecoveryConfig()),
		security.Headers(security.DefaultHeadersConfig()),
		security.RateLimit(security.DefaultRateLimitConfig()),
		middleware.Timeout(middleware.DefaultTimeoutConfig(30*time.Second)),
	)

	router.POSTFast("/api/v1/stream/append", s.handleAppend)
	router.POSTFast("/api/v2/stream/append_batch", s.handleAppendBatch)
	prometheus.RegisterMetricsEndpoint(router, "/metrics")
}

// Start runs the unary/batch append server and the tail WebSocket
// server. Blocks until one of them fails.
func (s *Server) Start() error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.httpServer.Start() }()
	go func() { errCh <- s.tail.start() }()
	return <-errCh
}

// Stop shuts down both listeners.
func (s *Server) Stop() error {
	err1 := s.httpServer.Stop()
	err2 := s.tail.stop()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Server) authenticate(ctx *web.FastRequestContext) (string, error) {
	header := string(ctx.RequestCtx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("missing bearer token")
	}
	claims, err := s.dirClt.VerifyToken(strings.TrimPrefix(header, prefix))
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func writeEngineError(ctx *web.FastRequestContext, err error) {
	if se, ok := err.(*streamlog.Error); ok {
		ctx.JSON(se.HTTPStatus(), map[string]string{"error": se.Message})
		return
	}
	ctx.JSON(fasthttp.StatusInternalServerError, map[string]string{"error": err.Error()})
}

type appendRequest struct {
	StreamID int64  `json:"stream_id"`
	Data     []byte `json:"data"`
}

type appendResponse struct {
	StreamID int64  `json:"stream_id"`
	Offset   uint64 `json:"offset"`
}

func (s *Server) handleAppend(ctx *web.FastRequestContext) error {
	metrics := prometheus.GetMetrics()

	userID, err := s.authenticate(ctx)
	if err != nil {
		metrics.RecordAppendRejected("unauthorized")
		return ctx.JSON(fasthttp.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	var req appendRequest
	if err := ctx.BindJSON(&req); err != nil {
		metrics.RecordAppendRejected("data_invalid")
		return ctx.JSON(fasthttp.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	allowed, err := s.aclCache.Allowed(userID, req.StreamID)
	if err != nil {
		metrics.RecordACLCheck("error")
		return ctx.JSON(fasthttp.StatusInternalServerError, map[string]string{"error": "acl check failed"})
	}
	if !allowed {
		metrics.RecordACLCheck("denied")
		metrics.RecordAppendRejected("forbidden")
		return ctx.JSON(fasthttp.StatusForbidden, map[string]string{"error": "forbidden"})
	}
	metrics.RecordACLCheck("allowed")

	start := time.Now()
	offset, err := s.engine.AppendAsync(ctx.Context(), streamlog.StreamID(req.StreamID), req.Data)
	if err != nil {
		if se, ok := err.(*streamlog.Error); ok {
			metrics.RecordAppendRejected(se.Kind.String())
		} else {
			metrics.RecordAppendRejected("internal")
		}
		writeEngineError(ctx, err)
		return nil
	}
	metrics.RecordAppend("raw", len(req.Data), time.Since(start))

	return ctx.JSON(fasthttp.StatusOK, appendResponse{StreamID: req.StreamID, Offset: offset})
}

type batchAppendRequest struct {
	Batch []appendRequest `json:"batch"`
}

// handleAppendBatch fans out to concurrent appends; per-item failures
// are logged but never fail the batch.
func (s *Server) handleAppendBatch(ctx *web.FastRequestContext) error {
	userID, err := s.authenticate(ctx)
	if err != nil {
		return ctx.JSON(fasthttp.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	var req batchAppendRequest
	if err := ctx.BindJSON(&req); err != nil {
		return ctx.JSON(fasthttp.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	metrics := prometheus.GetMetrics()

	done := make(chan struct{}, len(req.Batch))
	for _, item := range req.Batch {
		item := item
		go func() {
			defer func() { done <- struct{}{} }()
			allowed, err := s.aclCache.Allowed(userID, item.StreamID)
			if err != nil || !allowed {
				metrics.RecordAppendRejected("forbidden")
				s.logger.Warnf("streamlog rpc: batch item for stream %d denied or acl check failed: %v", item.StreamID, err)
				return
			}

			start := time.Now()
			if _, err := s.engine.AppendAsync(ctx.Context(), streamlog.StreamID(item.StreamID), item.Data); err != nil {
				metrics.RecordAppendRejected("internal")
				s.logger.Warnf("streamlog rpc: batch item append failed for stream %d: %v", item.StreamID, err)
				return
			}
			metrics.RecordAppend("raw", len(item.Data), time.Since(start))
		}()
	}
	for range req.Batch {
		<-done
	}

	return ctx.JSON(fasthttp.StatusOK, map[string]string{})
}
