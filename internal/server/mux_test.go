package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMux_Health(t *testing.T) {
	mux := NewMux(MuxConfig{MCPHandler: http.NotFoundHandler(), Version: "1.2.3"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","version":"1.2.3"}`, rec.Body.String())
}

func TestNewMux_HealthRejectsPost(t *testing.T) {
	mux := NewMux(MuxConfig{MCPHandler: http.NotFoundHandler()})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewMux_RoutesMCP(t *testing.T) {
	var hit bool

	mux := NewMux(MuxConfig{MCPHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit = true
		w.WriteHeader(http.StatusAccepted)
	})})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.True(t, hit)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
