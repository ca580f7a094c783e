package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxBodySizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/messages", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("012"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "3", rec.Body.String())
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}

type apiClient struct {
	t    *testing.T
	base string
}

func (a apiClient) do(method, path, user string, body any) (int, map[string]any) {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.base+path, r)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func TestStartServerInMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "memory"
	cfg.CacheType = "local"
	cfg.EventsType = "log"
	cfg.AdminUsers = "root"
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	cfg.TaskProcessorInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := StartServer(config.WithContext(ctx, &cfg), &cfg)
	require.NoError(t, err)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	api := apiClient{t: t, base: fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)}

	code, ready := api.do(http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"store": "memory", "cache": "local", "events": "log"}, ready["components"])

	code, _ = api.do(http.MethodPost, "/v1/conversations/query", "", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = api.do(http.MethodPost, "/v1/groups", "alice", map[string]any{"id": "g1"})
	require.Equal(t, http.StatusForbidden, code)

	code, body := api.do(http.MethodPost, "/v1/groups", "root", map[string]any{
		"id":      "g1",
		"name":    "Launch",
		"members": []map[string]any{{"userId": "alice"}, {"userId": "bob"}},
	})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = api.do(http.MethodPost, "/v1/messages", "bob", map[string]any{
		"id":      "m1",
		"groupId": "g1",
		"content": "hello",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "m1", body["id"])

	// Replaying the same client id returns the stored message.
	code, body = api.do(http.MethodPost, "/v1/messages", "bob", map[string]any{
		"id":      "m1",
		"groupId": "g1",
		"content": "hello",
	})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = api.do(http.MethodPost, "/v1/unread-count", "alice", map[string]any{})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["unreadCount"])

	code, body = api.do(http.MethodPost, "/v1/conversations/query", "alice", map[string]any{})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])

	code, body = api.do(http.MethodPost, "/v1/messages", "mallory", map[string]any{"groupId": "g1", "content": "hi"})
	require.Equal(t, http.StatusNotFound, code, body)

	code, _ = api.do(http.MethodPost, "/v1/conversations/g1/read", "alice", nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body = api.do(http.MethodPost, "/v1/unread-count", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["unreadCount"])
}
