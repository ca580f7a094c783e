package memberships

import (
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/model"
	registryroute "github.com/chirino/conversation-service/internal/registry/route"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
)

type membershipResponse struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"groupId"`
	UserID      string    `json:"userId"`
	UnreadCount int       `json:"unreadCount"`
	IsMaster    bool      `json:"isMaster"`
	IsAdmin     bool      `json:"isAdmin"`
	CreatedDate time.Time `json:"createdDate"`
}

func toMembershipResponse(gu model.GroupUser) membershipResponse {
	return membershipResponse{
		ID:          gu.ID,
		GroupID:     gu.GroupID,
		UserID:      gu.UserID,
		UnreadCount: gu.UnreadCount,
		IsMaster:    gu.IsMaster,
		IsAdmin:     gu.IsAdmin,
		CreatedDate: gu.CreatedDate,
	}
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "memberships",
		Order: 40,
		Kind:  registryroute.Main,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Service, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts group and membership routes. Both require the admin role.
func MountRoutes(r *gin.Engine, svc *service.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth, security.RequireAdminRole(), security.AdminAuditMiddleware())

	g.POST("/groups", func(c *gin.Context) {
		createGroup(c, svc)
	})
	g.POST("/groups/:groupId/members", func(c *gin.Context) {
		addMembers(c, svc)
	})
}

func createGroup(c *gin.Context, svc *service.Service) {
	var req service.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = security.GetUserID(c)
	}
	profile, err := svc.CreateGroup(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

func addMembers(c *gin.Context, svc *service.Service) {
	var req struct {
		Members []service.MemberRequest `json:"members" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	added, err := svc.AddMembers(c.Request.Context(), c.Param("groupId"), req.Members)
	if err != nil {
		handleError(c, err)
		return
	}
	resp := make([]membershipResponse, len(added))
	for i := range added {
		resp[i] = toMembershipResponse(added[i])
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": conflict.Code, "error": err.Error(), "details": conflict.Details})
	default:
		log.Error("Group request failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
