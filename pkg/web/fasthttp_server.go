package web

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/valyala/fasthttp"
)

// FastHTTPServer implements a fasthttp-based server for the stream append/batch-append
// REST endpoints. Requests are queued onto a bounded channel and drained by a fixed pool
// of worker goroutines so a burst of callers degrades into 503s instead of unbounded
// goroutine growth.
type FastHTTPServer struct {
	logger   core.Logger
	router   *fastRouter
	server   *fasthttp.Server
	addr     string
	reqCh    chan *fasthttp.RequestCtx
	maxQueue int
	workers  int
	// Metrics for monitoring
	queuedRequests     int64
	rejectedRequests   int64
	totalRequests      int64
	successfulRequests int64
	errorRequests      int64
	// Backpressure controller for CCU-based limiting
	backpressure *BackpressureController
}

// FastHTTPServerConfig configures the fasthttp server
type FastHTTPServerConfig struct {
	Addr            string
	MaxQueue        int // Bounded queue for backpressure
	Workers         int // Number of worker goroutines
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultFastHTTPServerConfig returns default configuration for 100k RPS
func DefaultFastHTTPServerConfig(addr string) *FastHTTPServerConfig {
	return &FastHTTPServerConfig{
		Addr:            addr,
		MaxQueue:        10000,
		Workers:         100,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxConns:        100000,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	}
}

// CCUBasedConfig returns configuration optimized for CCU (Concurrent Users).
// maxCCU is the maximum concurrent users served normally; overflowCCU is the extra
// headroom that receives 503 (fail-fast backpressure) once exceeded.
func CCUBasedConfig(addr string, maxCCU int, overflowCCU int) *FastHTTPServerConfig {
	workers := maxCCU / 10
	if workers < 50 {
		workers = 50
	}
	if workers > 500 {
		workers = 500
	}

	queueSize := maxCCU - workers
	if queueSize < 100 {
		queueSize = 100
	}

	maxConns := maxCCU + overflowCCU

	return &FastHTTPServerConfig{
		Addr:            addr,
		MaxQueue:        queueSize,
		Workers:         workers,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxConns:        maxConns,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	}
}

// CCUBasedConfigWithUtilization returns configuration with target utilization percentage.
// utilizationPercent leaves headroom for traffic spikes while maintaining stability:
// NormalCapacity = maxCCU * (utilizationPercent / 100).
func CCUBasedConfigWithUtilization(addr string, maxCCU int, utilizationPercent int) *FastHTTPServerConfig {
	if utilizationPercent < 1 || utilizationPercent > 100 {
		utilizationPercent = 67
	}

	normalCapacity := int(float64(maxCCU) * float64(utilizationPercent) / 100.0)

	workers := normalCapacity / 10
	if workers < 50 {
		workers = 50
	}
	if workers > 500 {
		workers = 500
	}

	queueSize := normalCapacity - workers
	if queueSize < 100 {
		queueSize = 100
	}

	maxConns := maxCCU

	return &FastHTTPServerConfig{
		Addr:            addr,
		MaxQueue:        queueSize,
		Workers:         workers,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxConns:        maxConns,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	}
}

// NewFastHTTPServer creates a new fasthttp server for the stream RPC endpoints.
func NewFastHTTPServer(logger core.Logger, config *FastHTTPServerConfig) *FastHTTPServer {
	if config == nil {
		config = DefaultFastHTTPServerConfig(":8080")
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	router := newFastRouter()
	normalCapacity := config.MaxQueue + config.Workers

	s := &FastHTTPServer{
		logger:       logger,
		router:       router,
		addr:         config.Addr,
		reqCh:        make(chan *fasthttp.RequestCtx, config.MaxQueue),
		maxQueue:     config.MaxQueue,
		workers:      config.Workers,
		backpressure: NewBackpressureController(normalCapacity, 60),
		server: &fasthttp.Server{
			ReadTimeout:                   config.ReadTimeout,
			WriteTimeout:                  config.WriteTimeout,
			MaxConnsPerIP:                 config.MaxConns,
			ReadBufferSize:                config.ReadBufferSize,
			WriteBufferSize:               config.WriteBufferSize,
			DisableHeaderNamesNormalizing: false,
			NoDefaultServerHeader:         true,
			ReduceMemoryUsage:             true,
		},
	}

	s.server.Handler = s.handleRequest
	return s
}

// Start starts the worker pool and begins listening. Blocks until the server stops.
func (s *FastHTTPServer) Start() error {
	s.startRequestWorkers()
	return s.server.ListenAndServe(s.addr)
}

// Stop drains the request queue and shuts the server down within a fixed 5-second timeout.
func (s *FastHTTPServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	close(s.reqCh)
	return s.server.ShutdownWithContext(ctx)
}

// Router returns the fast router for direct access
func (s *FastHTTPServer) Router() *fastRouter {
	return s.router
}

// Metrics returns current server metrics
func (s *FastHTTPServer) Metrics() ServerMetrics {
	bpMetrics := s.backpressure.GetMetrics()
	normalCapacity := int(bpMetrics.NormalCapacity)
	queued := atomic.LoadInt64(&s.queuedRequests)
	queueUtil := float64(queued) / float64(s.maxQueue) * 100
	if queueUtil > 100.0 {
		queueUtil = 100.0
	}
	return ServerMetrics{
		QueuedRequests:     queued,
		RejectedRequests:   atomic.LoadInt64(&s.rejectedRequests),
		QueueCapacity:      s.maxQueue,
		Workers:            s.workers,
		QueueUtilization:   queueUtil,
		NormalCCU:          normalCapacity,
		CurrentCCU:         int(bpMetrics.CurrentLoad),
		CCUUtilization:     bpMetrics.Utilization,
		TotalRequests:      atomic.LoadInt64(&s.totalRequests),
		SuccessfulRequests: atomic.LoadInt64(&s.successfulRequests),
		ErrorRequests:      atomic.LoadInt64(&s.errorRequests),
	}
}

// ServerMetrics provides server performance metrics
type ServerMetrics struct {
	QueuedRequests     int64
	RejectedRequests   int64
	QueueCapacity      int
	Workers            int
	QueueUtilization   float64
	NormalCCU          int
	CurrentCCU         int
	CCUUtilization     float64
	TotalRequests      int64
	SuccessfulRequests int64
	ErrorRequests      int64
}

// handleRequest is the main request handler - non-blocking, queues to workers.
// Returns 503 immediately once normal capacity (e.g. 67% of max) is exceeded.
func (s *FastHTTPServer) handleRequest(ctx *fasthttp.RequestCtx) {
	if !s.backpressure.TryAcquire() {
		atomic.AddInt64(&s.rejectedRequests, 1)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetContentType("application/json")
		ctx.WriteString(`{"error":"capacity_exceeded","message":"server at normal capacity - backpressure applied","code":"BACKPRESSURE"}`)
		return
	}

	select {
	case s.reqCh <- ctx:
		atomic.AddInt64(&s.queuedRequests, 1)
	default:
		s.backpressure.Release()
		atomic.AddInt64(&s.rejectedRequests, 1)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetContentType("application/json")
		ctx.WriteString(`{"error":"queue_full","message":"server overloaded - backpressure applied","code":"BACKPRESSURE"}`)
	}
}

// SetHandler overrides the fasthttp handler directly, bypassing the queue.
func (s *FastHTTPServer) SetHandler(handler func(*fasthttp.RequestCtx)) {
	s.server.Handler = handler
}

func (s *FastHTTPServer) startRequestWorkers() {
	for i := 0; i < s.workers; i++ {
		go s.runWorker(i)
	}
}

func (s *FastHTTPServer) runWorker(id int) {
	for reqCtx := range s.reqCh {
		atomic.AddInt64(&s.queuedRequests, -1)
		s.processSafely(reqCtx)
	}
}

func (s *FastHTTPServer) processSafely(ctx *fasthttp.RequestCtx) {
	defer s.backpressure.Release()
	defer func() {
		if r := recover(); r != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetContentType("application/json")
			requestID := string(ctx.Request.Header.Peek("X-Request-ID"))
			if requestID == "" {
				requestID = "unknown"
			}
			s.logger.Errorf("handler panic (request_id=%s): %v", requestID, r)
			ctx.WriteString(fmt.Sprintf(`{"error":"handler_panic","message":"request handler failed","request_id":"%s"}`, requestID))
		}
	}()
	s.processRequest(ctx)
}

func (s *FastHTTPServer) processRequest(ctx *fasthttp.RequestCtx) {
	requestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	if requestID == "" {
		requestID = core.GenerateRequestID()
	}

	reqCtx := &FastRequestContext{
		RequestCtx: ctx,
		Params:     make(map[string]string),
		requestID:  requestID,
		logger:     s.logger,
	}

	ctx.Response.Header.Set("X-Request-ID", requestID)
	atomic.AddInt64(&s.totalRequests, 1)

	s.router.ServeFastHTTP(reqCtx)

	statusCode := ctx.Response.StatusCode()
	if statusCode >= 200 && statusCode < 300 {
		atomic.AddInt64(&s.successfulRequests, 1)
	} else if statusCode >= 500 {
		atomic.AddInt64(&s.errorRequests, 1)
	}
}

// FastRequestContext wraps a fasthttp RequestCtx with request-scoped helpers
// (JSON encode/decode, path params, request ID propagation).
type FastRequestContext struct {
	RequestCtx *fasthttp.RequestCtx
	Params     map[string]string
	requestID  string
	logger     core.Logger

	dataMu sync.RWMutex
	data   map[string]interface{}
}

// Set stores a request-scoped value (e.g. parsed JWT claims) for later retrieval by Get.
func (c *FastRequestContext) Set(key string, value interface{}) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	if c.data == nil {
		c.data = make(map[string]interface{})
	}
	c.data[key] = value
}

// Get retrieves a request-scoped value previously stored with Set, or nil if absent.
func (c *FastRequestContext) Get(key string) interface{} {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	if c.data == nil {
		return nil
	}
	return c.data[key]
}

// JSON writes a JSON response.
func (c *FastRequestContext) JSON(statusCode int, data interface{}) error {
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("invalid status code: %d", statusCode)
	}

	c.RequestCtx.SetStatusCode(statusCode)
	c.RequestCtx.SetContentType("application/json")

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("json encode error: %w", err)
	}

	c.RequestCtx.Write(jsonData)
	return nil
}

// BindJSON decodes the request body JSON into v.
func (c *FastRequestContext) BindJSON(v interface{}) error {
	if v == nil {
		return fmt.Errorf("cannot bind to nil value")
	}

	body := c.RequestCtx.PostBody()
	if len(body) == 0 {
		return fmt.Errorf("empty request body")
	}

	return json.Unmarshal(body, v)
}

// Text writes a plain-text response.
func (c *FastRequestContext) Text(statusCode int, text string) error {
	c.RequestCtx.SetStatusCode(statusCode)
	c.RequestCtx.SetContentType("text/plain")
	c.RequestCtx.WriteString(text)
	return nil
}

// Query returns a query parameter value.
func (c *FastRequestContext) Query(key string) string {
	return string(c.RequestCtx.QueryArgs().Peek(key))
}

// Param returns a path parameter value.
func (c *FastRequestContext) Param(key string) string {
	return c.Params[key]
}

// Method returns the HTTP method.
func (c *FastRequestContext) Method() []byte {
	return c.RequestCtx.Method()
}

// Path returns the request path.
func (c *FastRequestContext) Path() []byte {
	return c.RequestCtx.Path()
}

// Error writes an error response.
func (c *FastRequestContext) Error(msg string, statusCode int) {
	c.RequestCtx.Error(msg, statusCode)
}

// RequestID returns the request ID for this request.
func (c *FastRequestContext) RequestID() string {
	return c.requestID
}

// Logger returns a request-scoped logger.
func (c *FastRequestContext) Logger() core.Logger {
	if c.logger == nil {
		return core.NewDefaultLogger()
	}
	return c.logger
}

// Context returns a context.Context carrying the request ID.
func (c *FastRequestContext) Context() context.Context {
	ctx := context.Background()
	if c.requestID != "" {
		ctx = core.WithRequestID(ctx, c.requestID)
	}
	return ctx
}
