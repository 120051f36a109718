package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/imrishuroy/go-order-lockflow/internal/aws"
	"github.com/imrishuroy/go-order-lockflow/internal/locking"
)

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
	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	p := NewProcessor(clients, os.Getenv("ORDERS_TABLE"), lockWindowFromEnv())

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if os.Getenv("RUN_LOCAL") == "true" {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"order_id":"local-order-1"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{Body: testBody},
			},
		}
		if err := p.Handle(ctx, event); err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		return
	}

	lambda.Start(p.Handle)
}
