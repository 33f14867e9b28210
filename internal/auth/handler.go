package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/listening-party-system/pkg/database"
	"github.com/listening-party-system/pkg/jwt"
	"github.com/listening-party-system/pkg/models"
)

type ParticipantLookup interface {
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
}

// Handler exposes the identity behind a participant token.
type Handler struct {
	issuer       *jwt.Issuer
	participants ParticipantLookup
}

func NewHandler(issuer *jwt.Issuer, participants ParticipantLookup) *Handler {
	return &Handler{
		issuer:       issuer,
		participants: participants,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	auth := r.Group("/auth", Middleware(h.issuer))
	{
		auth.GET("/me", h.me)
		auth.POST("/refresh", h.refresh)
	}
}

func (h *Handler) me(c *gin.Context) {
	p, err := h.participants.GetParticipant(c.Request.Context(), c.GetString(ParticipantIDKey))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Participant not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "auth.handler").Msg("failed to get participant")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"participant": p})
}

// refresh issues a fresh token for the caller.
func (h *Handler) refresh(c *gin.Context) {
	token, err := h.issuer.GenerateToken(c.GetString(PartyIDKey), c.GetString(ParticipantIDKey))
	if err != nil {
		log.Error().Err(err).Str("module", "auth.handler").Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}
