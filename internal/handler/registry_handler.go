package handler

import (
	"net/http"

	"backend/internal/middleware"
	"backend/internal/service"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type RegistryHandler struct {
	registryService service.RegistryService
}

func NewRegistryHandler(registryService service.RegistryService) *RegistryHandler {
	return &RegistryHandler{registryService: registryService}
}

func (h *RegistryHandler) RegisterRoutes(router *gin.RouterGroup) {
	repos := router.Group("/api/repositories")
	repos.Use(middleware.RequireAuth())
	{
		repos.GET("", h.ListRepositories)
	}
}

// ListRepositories returns active registry entries
// @Summary      List registered repositories
// @Description  Returns the repositories approved for document syncing, newest first
// @Tags         repositories
// @Security     BearerAuth
// @Produce      json
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=object}
// @Router       /api/repositories [get]
func (h *RegistryHandler) ListRepositories(c *gin.Context) {
	params := pagination.Parse(c)

	repos, total, err := h.registryService.ListRepositories(c.Request.Context(), params.Page, params.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to list repositories"))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, map[string]interface{}{
		"repositories": repos,
		"total":        total,
		"page":         params.Page,
		"limit":        params.Limit,
	}))
}
