package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	cacheAdapter "github.com/fluffypet/chat/internal/infrastructure/cache/adapter"
	channelAdapter "github.com/fluffypet/chat/internal/infrastructure/channel/adapter"
	"github.com/fluffypet/chat/internal/infrastructure/database"
	queueAdapter "github.com/fluffypet/chat/internal/infrastructure/queue/adapter"
	"github.com/fluffypet/chat/internal/infrastructure/realtime"
	"github.com/fluffypet/chat/internal/pkg/messaging/application/task"

	v1 "github.com/fluffypet/chat/cmd/api/router/v1"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to the database on startup
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := database.NewPoolFromEnv(connectCtx)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pool.Close()

	cache, err := cacheAdapter.NewRedisAdapter()
	if err != nil {
		log.Fatalf("failed to connect to cache: %v", err)
	}
	defer cache.Close()

	channel, err := channelAdapter.NewRedisChannelFromEnv()
	if err != nil {
		log.Fatalf("failed to connect to pub/sub channel: %v", err)
	}
	defer channel.Close()

	queueClient, err := queueAdapter.NewAsynqClientFromEnv()
	if err != nil {
		log.Fatalf("failed to create queue client: %v", err)
	}
	defer queueClient.Close()

	// Background workers for offline notification nudges
	queueServer, err := queueAdapter.NewAsynqServer()
	if err != nil {
		log.Fatalf("failed to create queue server: %v", err)
	}
	task.RegisterNotifyOfflineTask(queueServer, pool, nil)
	go func() {
		if err := queueServer.Run(ctx); err != nil {
			log.Printf("queue server stopped: %v", err)
		}
	}()

	router := realtime.NewRouter()
	defer router.Close()

	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "OK",
		})
	})

	v1.RegisterRoutes(r, pool, cache, channel, queueClient, router)

	// Start HTTP server (blocks until shutdown)
	_ = r.Run()
}
