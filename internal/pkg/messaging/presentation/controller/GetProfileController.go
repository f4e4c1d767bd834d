package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	cacheport "github.com/fluffypet/chat/internal/infrastructure/cache/port"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/usecase"
	"github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/adapter"
)

// GetProfileController serves participant display data for chat headers and
// message bubbles (one controller per endpoint)
type GetProfileController struct {
	UC *usecase.GetProfileUseCase
}

func NewGetProfileController(pool *pgxpool.Pool, cache cacheport.Cache) *GetProfileController {
	repo := adapter.NewPgMessagingRepository(pool)
	uc := usecase.NewGetProfileUseCase(repo, cache)
	return &GetProfileController{UC: uc}
}

func (h *GetProfileController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		p, err := h.UC.Execute(ctx, usecase.GetProfileInput{UserID: userID})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, usecase.ErrPersistence) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"user_id":      p.UserID,
			"display_name": p.DisplayName,
			"avatar_url":   p.AvatarURL,
		})
	}
}
