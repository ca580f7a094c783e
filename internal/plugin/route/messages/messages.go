package messages

import (
	"errors"
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
		Name:  "messages",
		Order: 30,
		Kind:  registryroute.Main,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Service, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts message routes.
func MountRoutes(r *gin.Engine, svc *service.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/messages", func(c *gin.Context) {
		sendMessage(c, svc)
	})
	g.POST("/messages/:messageId/read", func(c *gin.Context) {
		markRead(c, svc)
	})
	g.POST("/messages/:messageId/revoke", func(c *gin.Context) {
		revoke(c, svc)
	})

	admin := r.Group("/v1", auth, security.RequireAdminRole(), security.AdminAuditMiddleware())
	admin.PUT("/messages", func(c *gin.Context) {
		updateMessages(c, svc)
	})
}

type sendRequest struct {
	ID                            string            `json:"id"`
	GroupID                       string            `json:"groupId" binding:"required"`
	Content                       string            `json:"content"`
	Type                          model.MessageType `json:"type"`
	SentBy                        string            `json:"sentBy"`
	IsSystem                      bool              `json:"isSystem"`
	Payload                       string            `json:"payload"`
	CustomProperties              []model.Property  `json:"customProperties"`
	ExcludeMemberCustomProperties map[string]string `json:"excludeMemberCustomProperties"`
}

func sendMessage(c *gin.Context, svc *service.Service) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	sender, ok := security.ActingUser(c, req.SentBy)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": "sending as another user requires the admin role"})
		return
	}

	view, err := svc.Send(c.Request.Context(), service.SendRequest{
		Message: model.Message{
			ID:        req.ID,
			GroupID:   req.GroupID,
			Content:   req.Content,
			Type:      req.Type,
			SentBy:    sender,
			CreatedBy: security.GetUserID(c),
			IsSystem:  req.IsSystem,
			Payload:   req.Payload,
		},
		CustomProperties:              req.CustomProperties,
		ExcludeMemberCustomProperties: req.ExcludeMemberCustomProperties,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func markRead(c *gin.Context, svc *service.Service) {
	if err := svc.MarkReadByMessage(c.Request.Context(), security.GetUserID(c), c.Param("messageId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func revoke(c *gin.Context, svc *service.Service) {
	msg, err := svc.Revoke(c.Request.Context(), security.GetUserID(c), c.Param("messageId"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func updateMessages(c *gin.Context, svc *service.Service) {
	var req struct {
		Messages []service.MessageUpdate `json:"messages" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	views, err := svc.UpdateMessageData(c.Request.Context(), req.Messages)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

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
		// Retries were exhausted; the client may resend with the same id.
		c.JSON(http.StatusConflict, gin.H{"code": "write_conflict", "error": err.Error()})
	case errors.As(err, &rule):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": rule.Code, "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		log.Error("Message request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
