package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
)

// Handlers adapts Service's operations onto gin.
type Handlers struct {
	svc *Service
}

// NewHandlers constructs gin handlers bound to svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Register mounts the Registry's HTTP surface (spec.md §6) onto router.
func (h *Handlers) Register(router gin.IRouter) {
	router.POST("/api/registry/register", h.handleRegister)
	router.POST("/api/registry/keepalive", h.handleKeepalive)
	router.POST("/api/registry/deregister", h.handleDeregister)
	router.GET("/api/registry/services", h.handleGetServices)
	router.GET("/api/registry/services/:name", h.handleGetByName)
	router.GET("/api/registry/services/:name/:id", h.handleGetByID)
}

func writeServiceError(c *gin.Context, err error) {
	if svcErr := svcerrors.GetServiceError(err); svcErr != nil {
		c.JSON(svcErr.HTTPStatus, gin.H{
			"code":    svcErr.Code,
			"message": svcErr.Message,
			"details": svcErr.Details,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": "SVC_5001", "message": "internal error"})
}

func (h *Handlers) handleRegister(c *gin.Context) {
	var inst RegisterRequest
	if err := c.ShouldBindJSON(&inst); err != nil {
		writeServiceError(c, svcerrors.ConfigError(err.Error()))
		return
	}

	leaseID, err := h.svc.Register(c.Request.Context(), inst)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, RegisterResponse{LeaseID: leaseID})
}

func (h *Handlers) handleKeepalive(c *gin.Context) {
	var req KeepaliveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeServiceError(c, svcerrors.ConfigError(err.Error()))
		return
	}

	if err := h.svc.Keepalive(c.Request.Context(), req.LeaseID); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) handleDeregister(c *gin.Context) {
	var inst DeregisterRequest
	if err := c.ShouldBindJSON(&inst); err != nil {
		writeServiceError(c, svcerrors.ConfigError(err.Error()))
		return
	}

	if err := h.svc.Deregister(c.Request.Context(), inst); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) handleGetServices(c *gin.Context) {
	instances, err := h.svc.GetServices(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (h *Handlers) handleGetByName(c *gin.Context) {
	instances, err := h.svc.GetByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (h *Handlers) handleGetByID(c *gin.Context) {
	inst, err := h.svc.GetByID(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}
