package web

import (
	"testing"

	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/valyala/fasthttp"
)

func TestFastRequestContext_RequestID(t *testing.T) {
	reqCtx := &fasthttp.RequestCtx{}
	reqCtx.Request.Header.Set("X-Request-ID", "test-request-id")

	fastCtx := &FastRequestContext{
		RequestCtx: reqCtx,
		Params:     make(map[string]string),
		requestID:  "test-request-id",
	}

	id := fastCtx.RequestID()
	if id != "test-request-id" {
		t.Errorf("RequestID() = %v, want test-request-id", id)
	}
}

func TestFastRequestContext_Context(t *testing.T) {
	fastCtx := &FastRequestContext{
		RequestCtx: &fasthttp.RequestCtx{},
		Params:     make(map[string]string),
		requestID:  "test-request-id",
	}

	goCtx := fastCtx.Context()
	if goCtx == nil {
		t.Error("Context() should not return nil")
	}

	requestID := core.GetRequestID(goCtx)
	if requestID != "test-request-id" {
		t.Errorf("GetRequestID() from context = %v, want test-request-id", requestID)
	}
}

func TestFastRequestContext_Param(t *testing.T) {
	fastCtx := &FastRequestContext{
		RequestCtx: &fasthttp.RequestCtx{},
		Params:     map[string]string{"stream_id": "42"},
	}

	if got := fastCtx.Param("stream_id"); got != "42" {
		t.Errorf("Param(stream_id) = %v, want 42", got)
	}
	if got := fastCtx.Param("missing"); got != "" {
		t.Errorf("Param(missing) = %v, want empty string", got)
	}
}
