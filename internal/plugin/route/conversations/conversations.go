package conversations

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/model"
	registryroute "github.com/chirino/conversation-service/internal/registry/route"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "conversations",
		Order: 10,
		Kind:  registryroute.Main,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Service, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts conversation routes.
// Called after store initialization so the service is available.
func MountRoutes(r *gin.Engine, svc *service.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/conversations/query", func(c *gin.Context) {
		listConversations(c, svc)
	})
	g.POST("/conversations/:groupId/profile", func(c *gin.Context) {
		getProfile(c, svc)
	})
	g.GET("/conversations/:groupId/messages", func(c *gin.Context) {
		listMessages(c, svc)
	})
	g.POST("/conversations/:groupId/read", func(c *gin.Context) {
		markGroupRead(c, svc)
	})
	g.DELETE("/conversations/:groupId", func(c *gin.Context) {
		removeConversation(c, svc)
	})
	g.POST("/unread-count", func(c *gin.Context) {
		unreadCount(c, svc)
	})
}

type listRequest struct {
	GroupIDs  []string              `json:"groupIds"`
	GroupType int                   `json:"groupType"`
	Page      model.PageSettings    `json:"page"`
	Filters   service.UnreadFilters `json:"filters"`
}

func listConversations(c *gin.Context, svc *service.Service) {
	var req listRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	page, err := svc.ListConversations(c.Request.Context(), service.ListRequest{
		UserID:    security.GetUserID(c),
		GroupIDs:  req.GroupIDs,
		GroupType: req.GroupType,
		Filters:   req.Filters,
		Page:      req.Page,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func getProfile(c *gin.Context, svc *service.Service) {
	var filters service.UnreadFilters
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&filters); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
			return
		}
	}
	conv, err := svc.GetConversationProfile(c.Request.Context(), security.GetUserID(c), c.Param("groupId"), filters)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func listMessages(c *gin.Context, svc *service.Service) {
	page, err := svc.PageMessages(
		c.Request.Context(),
		security.GetUserID(c),
		c.Param("groupId"),
		c.Query("afterCursor"),
		queryInt(c, "limit", 20),
	)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func markGroupRead(c *gin.Context, svc *service.Service) {
	var req struct {
		UserIDs []string `json:"userIds"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
			return
		}
	}
	if err := svc.MarkGroupRead(c.Request.Context(), security.GetUserID(c), c.Param("groupId"), req.UserIDs, security.IsAdmin(c)); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func removeConversation(c *gin.Context, svc *service.Service) {
	if err := svc.RemoveConversation(c.Request.Context(), security.GetUserID(c), c.Param("groupId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func unreadCount(c *gin.Context, svc *service.Service) {
	var req struct {
		GroupIDs               []string          `json:"groupIds"`
		GroupType              int               `json:"groupType"`
		IncludeGroupProperties map[string]string `json:"includeGroupCustomProperties"`
		ExcludeGroupProperties map[string]string `json:"excludeGroupCustomProperties"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
			return
		}
	}
	total, err := svc.UnreadMessageCount(c.Request.Context(), service.UnreadCountRequest{
		UserID:                 security.GetUserID(c),
		GroupIDs:               req.GroupIDs,
		GroupType:              req.GroupType,
		IncludeGroupProperties: req.IncludeGroupProperties,
		ExcludeGroupProperties: req.ExcludeGroupProperties,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unreadCount": total})
}

// --- Helpers ---

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var writeConflict *registrystore.WriteConflictError
	var rule *registrystore.BusinessRuleError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": conflict.Code, "error": err.Error()})
	case errors.As(err, &writeConflict):
		c.JSON(http.StatusConflict, gin.H{"code": "write_conflict", "error": err.Error()})
	case errors.As(err, &rule):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": rule.Code, "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}
