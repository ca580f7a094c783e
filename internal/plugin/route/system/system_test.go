package system

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mount(r, map[string]string{"store": "memory", "cache": "local"})

	probe := func() (int, map[string]interface{}) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return w.Code, body
	}

	state.Store(stateStarting)
	code, body := probe()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", body["status"])

	MarkReady()
	code, body = probe()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{"store": "memory", "cache": "local"}, body["components"])

	MarkDraining()
	code, body = probe()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "draining", body["status"])

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
