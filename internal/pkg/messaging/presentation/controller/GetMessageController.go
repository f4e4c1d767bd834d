package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluffypet/chat/internal/pkg/messaging/application/usecase"
	"github.com/fluffypet/chat/internal/pkg/messaging/persistence/repository/adapter"
)

// GetMessageController serves the ordered message stream of a conversation
// (one controller per endpoint)
type GetMessageController struct {
	UC *usecase.GetMessageUseCase
}

func NewGetMessageController(pool *pgxpool.Pool) *GetMessageController {
	repo := adapter.NewPgMessagingRepository(pool)
	uc := usecase.NewGetMessageUseCase(repo)
	return &GetMessageController{UC: uc}
}

func (h *GetMessageController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID := c.Param("conversationId")
		if conversationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
			return
		}

		in := usecase.GetMessageInput{ConversationID: conversationID}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		msgs, err := h.UC.Execute(ctx, in)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, usecase.ErrPersistence) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		out := make([]gin.H, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, gin.H{
				"id":              m.ID,
				"conversation_id": m.ConversationID,
				"sender_id":       m.SenderID,
				"kind":            m.Kind,
				"body":            m.Body,
				"media_ref":       m.MediaRef,
				"created_at":      m.CreatedAt,
				"is_read":         m.IsRead,
				"read_at":         m.ReadAt,
				"sender_name":     m.SenderName,
				"sender_avatar":   m.SenderAvatar,
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"messages": out,
			"count":    len(out),
		})
	}
}
