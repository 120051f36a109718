package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-order-lockflow/internal/aws"
	"github.com/imrishuroy/go-order-lockflow/internal/handlers"
	"github.com/imrishuroy/go-order-lockflow/internal/locking"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterOrdersRoutes(r, cfg)

	return r
}

// lockWindowFromEnv reads LOCK_WINDOW_MINUTES, falling back to the package default.
func lockWindowFromEnv() time.Duration {
	raw := os.Getenv("LOCK_WINDOW_MINUTES")
	if raw == "" {
		return locking.DefaultExpiryWindow
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		log.Printf("invalid LOCK_WINDOW_MINUTES=%q, using default", raw)
		return locking.DefaultExpiryWindow
	}
	return time.Duration(minutes) * time.Minute
}

func main() {
	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	cfg := handlers.HandlerConfig{
		DynamoDBClient:   clients.DynamoDB,
		SQSClient:        clients.SQS,
		CloudWatchClient: clients.CloudWatch,
		OrdersTable:      os.Getenv("ORDERS_TABLE"),
		QueueURL:         os.Getenv("ORDERS_QUEUE_URL"),
		LockWindow:       lockWindowFromEnv(),
	}

	r := setupRouter(cfg)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
