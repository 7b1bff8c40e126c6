package web

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestFastHTTPServer_NewServer(t *testing.T) {
	config := DefaultFastHTTPServerConfig(":0")
	server := NewFastHTTPServer(nil, config)

	if server == nil {
		t.Error("NewFastHTTPServer() should not return nil")
	}

	if server.Router() == nil {
		t.Error("Router() should not return nil")
	}
}

func TestFastRequestContext_JSON(t *testing.T) {
	reqCtx := &FastRequestContext{
		RequestCtx: &fasthttp.RequestCtx{},
		Params:     make(map[string]string),
	}

	err := reqCtx.JSON(999, "test") // Invalid status code
	if err == nil {
		t.Error("JSON() with invalid status code should fail")
	}

	err = reqCtx.JSON(0, "test") // Invalid status code
	if err == nil {
		t.Error("JSON() with zero status code should fail")
	}
}

func TestFastRequestContext_BindJSON(t *testing.T) {
	reqCtx := &FastRequestContext{
		RequestCtx: &fasthttp.RequestCtx{},
		Params:     make(map[string]string),
	}

	// Test fail-fast: nil target
	err := reqCtx.BindJSON(nil)
	if err == nil {
		t.Error("BindJSON() with nil target should fail")
	}
}

func TestDefaultFastHTTPServerConfig(t *testing.T) {
	config := DefaultFastHTTPServerConfig(":8080")

	if config.Addr != ":8080" {
		t.Errorf("Addr = %v, want :8080", config.Addr)
	}

	if config.MaxQueue <= 0 {
		t.Error("MaxQueue should be positive")
	}

	if config.Workers <= 0 {
		t.Error("Workers should be positive")
	}
}
