// Package directory implements the client side of the append-log
// service's one outside dependency: the directory service that owns
// conversation membership and access control.
package directory

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
)

// Config configures a directory-service client.
type Config struct {
	BaseURL        string
	JWTSecret      string
	RequestTimeout time.Duration
}

// Claims is the bearer token payload the directory service issues.
type Claims struct {
	UserID string
	Raw    jwt.MapClaims
}

// Client talks to the directory service over HTTP and verifies the
// bearer tokens it issues.
type Client struct {
	cfg    Config
	hc     *fasthttp.Client
	logger core.Logger
}

// NewClient builds a directory-service client. Each engine/RPC server
// instance owns its own client rather than reaching for a package-level
// global, matching the rest of the stack's dependency-injection style.
func NewClient(cfg Config, logger core.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Client{
		cfg:    cfg,
		hc:     &fasthttp.Client{},
		logger: logger,
	}
}

// VerifyToken validates a bearer token's signature and expiry, returning
// the caller's user id.
func (c *Client) VerifyToken(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(c.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("directory: invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("directory: invalid token claims")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if userID == "" {
		return Claims{}, fmt.Errorf("directory: token carries no user id")
	}
	return Claims{UserID: userID, Raw: claims}, nil
}

type aclResponse struct {
	Allowed bool `json:"allowed"`
}

// CheckACL asks the directory service whether userID may access
// streamID. Callers are expected to cache the result per a configured
// per-(user, stream) recheck interval; this call always hits the network.
func (c *Client) CheckACL(userID string, streamID int64) (bool, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/api/v1/acl/check?user_id=%s&stream_id=%d", c.cfg.BaseURL, userID, streamID))
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.hc.DoTimeout(req, resp, c.cfg.RequestTimeout); err != nil {
		return false, fmt.Errorf("directory: acl check request failed: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return false, fmt.Errorf("directory: acl check returned status %d", resp.StatusCode())
	}

	var out aclResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return false, fmt.Errorf("directory: decoding acl response: %w", err)
	}
	return out.Allowed, nil
}

// aclCacheKey identifies one (user, stream) ACL decision.
type aclCacheKey struct {
	userID   string
	streamID int64
}

type aclCacheEntry struct {
	allowed   bool
	checkedAt time.Time
}

// ACLCache wraps a per-(user, stream) ACL check with a recheck
// interval: a cached decision is reused for any call within
// recheckInterval of the last *successful* check; once that interval
// has fully elapsed, the next call rechecks. A transient check failure
// does not evict an already-cached allow decision — only a successful
// recheck can change it.
type ACLCache struct {
	check           func(userID string, streamID int64) (bool, error)
	recheckInterval time.Duration
	mu              sync.Mutex
	entries         map[aclCacheKey]aclCacheEntry
}

// NewACLCache wraps client with a per-(user,stream) cache that rechecks
// at most once per interval.
func NewACLCache(client *Client, interval time.Duration) *ACLCache {
	return NewACLCacheFunc(client.CheckACL, interval)
}

// NewACLCacheFunc is like NewACLCache but takes the check function
// directly, so tests can exercise the cache's recheck-interval logic
// without a directory-service client.
func NewACLCacheFunc(check func(userID string, streamID int64) (bool, error), interval time.Duration) *ACLCache {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ACLCache{
		check:           check,
		recheckInterval: interval,
		entries:         make(map[aclCacheKey]aclCacheEntry),
	}
}

// Allowed returns the cached ACL decision for (userID, streamID),
// rechecking against the directory service if at least recheckInterval
// has elapsed since the last successful check.
func (c *ACLCache) Allowed(userID string, streamID int64) (bool, error) {
	key := aclCacheKey{userID: userID, streamID: streamID}

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if ok && time.Since(entry.checkedAt) < c.recheckInterval {
		return entry.allowed, nil
	}

	allowed, err := c.check(userID, streamID)
	if err != nil {
		if ok {
			// A transient directory-service failure does not immediately
			// revoke a previously-granted permission; the stale decision
			// still stands until the next successful recheck.
			return entry.allowed, nil
		}
		return false, err
	}

	c.mu.Lock()
	c.entries[key] = aclCacheEntry{allowed: allowed, checkedAt: time.Now()}
	c.mu.Unlock()

	return allowed, nil
}
