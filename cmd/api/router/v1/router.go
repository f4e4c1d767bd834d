package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	cacheport "github.com/fluffypet/chat/internal/infrastructure/cache/port"
	chport "github.com/fluffypet/chat/internal/infrastructure/channel/port"
	qport "github.com/fluffypet/chat/internal/infrastructure/queue/port"
	"github.com/fluffypet/chat/internal/infrastructure/realtime"
	httpHandler "github.com/fluffypet/chat/internal/pkg/messaging/presentation/http"
)

// RegisterRoutes mounts all version 1 API routes under /api/v1
func RegisterRoutes(r *gin.Engine, pool *pgxpool.Pool, cache cacheport.Cache, channel chport.Channel, queue qport.Client, router *realtime.Router) {
	v1 := r.Group("/api/v1")
	// Pass infrastructure handles down to the HTTP layer
	httpHandler.RegisterRoutes(v1, pool, cache, channel, queue, router)
}
