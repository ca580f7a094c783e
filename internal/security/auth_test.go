package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver(mode string) *TokenResolver {
	cfg := config.DefaultConfig()
	cfg.Mode = mode
	cfg.AdminUsers = "root, ops"
	cfg.AdminClients = "backoffice"
	cfg.APIKeys = map[string]string{"k-123": "backoffice", "k-456": "mobile"}
	return NewTokenResolver(&cfg)
}

func TestResolveAPIKeyMode(t *testing.T) {
	r := testResolver(config.ModeProd)
	ctx := context.Background()

	id, err := r.Resolve(ctx, "alice", "", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.False(t, id.IsAdmin)

	id, err = r.Resolve(ctx, "ops", "", "")
	require.NoError(t, err)
	assert.True(t, id.IsAdmin)

	id, err = r.Resolve(ctx, "alice", "k-123", "")
	require.NoError(t, err)
	assert.Equal(t, "backoffice", id.ClientID)
	assert.True(t, id.IsAdmin, "admin clients grant admin")

	id, err = r.Resolve(ctx, "alice", "k-456", "")
	require.NoError(t, err)
	assert.False(t, id.IsAdmin)

	// The client id header is ignored outside testing mode.
	id, err = r.Resolve(ctx, "alice", "", "backoffice")
	require.NoError(t, err)
	assert.Empty(t, id.ClientID)
	assert.False(t, id.IsAdmin)

	id, err = testResolver(config.ModeTesting).Resolve(ctx, "alice", "", "backoffice")
	require.NoError(t, err)
	assert.True(t, id.IsAdmin)
}

func TestAuthMiddlewareAndActingUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/send", AuthMiddleware(testResolver(config.ModeProd)), func(c *gin.Context) {
		user, ok := ActingUser(c, c.Query("as"))
		if !ok {
			c.Status(http.StatusForbidden)
			return
		}
		c.String(http.StatusOK, user)
	})

	do := func(auth, as string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/send?as="+as, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Basic abc", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer  ", "").Code)

	w := do("Bearer alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusOK, do("Bearer alice", "alice").Code)
	assert.Equal(t, http.StatusForbidden, do("Bearer alice", "bob").Code)

	w = do("Bearer root", "bob")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", w.Body.String())
}

func TestExtractTokenRoles(t *testing.T) {
	roles := extractTokenRoles(map[string]any{
		"roles":        []any{"admin", " "},
		"groups":       "staff",
		"scope":        "openid messages:write",
		"realm_access": map[string]any{"roles": []any{"support"}},
	})
	assert.Equal(t, map[string]bool{
		"admin": true, "staff": true, "openid": true, "messages:write": true, "support": true,
	}, roles)
}
