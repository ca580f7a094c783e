package search

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
		Name:  "search",
		Order: 20,
		Kind:  registryroute.Main,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Service, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts search routes.
func MountRoutes(r *gin.Engine, svc *service.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/conversations/search", func(c *gin.Context) {
		searchConversations(c, svc)
	})
}

type searchRequest struct {
	GroupIDs           []string              `json:"groupIds"`
	GroupType          int                   `json:"groupType"`
	GroupSearchTerms   map[string]string     `json:"groupSearchTerms"`
	MessageSearchTerms map[string]string     `json:"messageSearchTerms"`
	SearchParms        map[string]string     `json:"searchParms"`
	ExactMatch         bool                  `json:"exactMatch"`
	Page               model.PageSettings    `json:"page"`
	Filters            service.UnreadFilters `json:"filters"`
}

func searchConversations(c *gin.Context, svc *service.Service) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	if len(req.SearchParms) > 0 && len(req.MessageSearchTerms) == 0 {
		log.Debug("Deprecated searchParms used", "userId", security.GetUserID(c))
	}
	page, err := svc.SearchConversations(c.Request.Context(), service.SearchRequest{
		ListRequest: service.ListRequest{
			UserID:    security.GetUserID(c),
			GroupIDs:  req.GroupIDs,
			GroupType: req.GroupType,
			Filters:   req.Filters,
			Page:      req.Page,
		},
		GroupSearchTerms:   req.GroupSearchTerms,
		MessageSearchTerms: req.MessageSearchTerms,
		SearchParms:        req.SearchParms,
		ExactMatch:         req.ExactMatch,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	default:
		log.Error("Search failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
