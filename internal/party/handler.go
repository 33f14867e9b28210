package party

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	parties := r.Group("/parties")
	{
		parties.POST("", h.createParty)
		parties.GET("/:id", h.getParty)
		parties.POST("/:id/join", h.joinParty)
	}
}

type CreatePartyRequest struct {
	Name        string `json:"name" binding:"required"`
	Theme       string `json:"theme" binding:"required"`
	HostName    string `json:"hostName" binding:"required"`
	IdleTimeout int    `json:"idleTimeoutSeconds" binding:"omitempty,min=1,max=3600"`
}

func (h *Handler) createParty(c *gin.Context) {
	var req CreatePartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.service.CreateParty(c.Request.Context(), req.Name, req.Theme, req.HostName, req.IdleTimeout)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, m)
}

func (h *Handler) getParty(c *gin.Context) {
	party, err := h.service.GetParty(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"party": party})
}

type JoinPartyRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) joinParty(c *gin.Context) {
	var req JoinPartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.service.JoinParty(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, m)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingField):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrPartyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Party not found"})
	default:
		log.Error().Err(err).Str("module", "party.handler").Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
