package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	messaging "github.com/fluffypet/chat/internal/pkg/messaging/application/domain"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/usecase"
	"github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/adapter"
)

// ResolveConversationController maps a business context (booking, appointment
// or direct peer) to its canonical conversation (one controller per endpoint)
type ResolveConversationController struct {
	UC *usecase.ResolveConversationUseCase
}

func NewResolveConversationController(pool *pgxpool.Pool) *ResolveConversationController {
	repo := adapter.NewPgMessagingRepository(pool)
	uc := usecase.NewResolveConversationUseCase(repo)
	return &ResolveConversationController{UC: uc}
}

type resolveConversationRequest struct {
	TenantID      string `json:"tenant_id"`
	UserID        string `json:"user_id" binding:"required"`
	BookingID     string `json:"booking_id"`
	AppointmentID string `json:"appointment_id"`
	PeerUserID    string `json:"peer_user_id"`
}

func (h *ResolveConversationController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		in := usecase.ResolveConversationInput{
			TenantID: req.TenantID,
			Context: messaging.ConversationContext{
				BookingID:     req.BookingID,
				AppointmentID: req.AppointmentID,
				PeerUserID:    req.PeerUserID,
				SelfUserID:    req.UserID,
			},
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		conv, err := h.UC.Execute(ctx, in)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, usecase.ErrPersistence) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"conversation_id": conv.ID,
			"booking_id":      conv.BookingID,
			"appointment_id":  conv.AppointmentID,
			"user_low_id":     conv.UserLowID,
			"user_high_id":    conv.UserHighID,
			"created_at":      conv.CreatedAt,
		})
	}
}
