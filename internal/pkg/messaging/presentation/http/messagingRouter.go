package http

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	cacheport "github.com/fluffypet/chat/internal/infrastructure/cache/port"
	chport "github.com/fluffypet/chat/internal/infrastructure/channel/port"
	qport "github.com/fluffypet/chat/internal/infrastructure/queue/port"
	"github.com/fluffypet/chat/internal/infrastructure/realtime"
	"github.com/fluffypet/chat/internal/pkg/messaging/presentation/controller"
)

// RegisterRoutes registers messaging HTTP endpoints under the given router group
// It constructs per-endpoint controllers and binds them directly to routes.
func RegisterRoutes(g *gin.RouterGroup, pool *pgxpool.Pool, cache cacheport.Cache, channel chport.Channel, queue qport.Client, router *realtime.Router) {
	resolveCtl := controller.NewResolveConversationController(pool)
	getMsgCtl := controller.NewGetMessageController(pool)
	getProfileCtl := controller.NewGetProfileController(pool, cache)
	socketCtl := controller.NewChatSocketController(pool, channel, router, queue)

	// POST /api/v1/conversations/resolve -> map a business context to its conversation
	g.POST("/conversations/resolve", resolveCtl.Handle())

	// GET /api/v1/conversations/:conversationId/messages -> ordered message stream
	g.GET("/conversations/:conversationId/messages", getMsgCtl.Handle())

	// GET /api/v1/profiles/:userId -> participant display data
	g.GET("/profiles/:userId", getProfileCtl.Handle())

	// GET /api/v1/chat/ws -> websocket endpoint for realtime messaging
	g.GET("/chat/ws", socketCtl.Handle())
}
