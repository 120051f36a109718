package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/imrishuroy/go-order-lockflow/internal/aws"
	"github.com/imrishuroy/go-order-lockflow/internal/locking"
	"github.com/imrishuroy/go-order-lockflow/internal/metrics"
	"github.com/imrishuroy/go-order-lockflow/internal/orders"
)

// lockAlert is published to the alert queue for every force-cleared lock.
type lockAlert struct {
	OrderID         string `json:"order_id"`
	ClearedLockedAt string `json:"cleared_locked_at"`
	DeadlockCount   int    `json:"deadlock_count"`
}

type sweeper struct {
	locks  *locking.Manager
	alerts *aws.Publisher // nil when no alert queue is configured
}

func newSweeper(clients *aws.AWSClients, ordersTable, alertQueueURL string, window time.Duration) *sweeper {
	store := orders.NewStore(clients.DynamoDB, ordersTable)
	var emitter *metrics.Emitter
	if clients.CloudWatch != nil {
		emitter = metrics.NewEmitter(clients.CloudWatch)
	}
	s := &sweeper{
		locks: locking.NewManager(store, window, emitter),
	}
	if alertQueueURL != "" {
		s.alerts = aws.NewPublisher(clients.SQS, alertQueueURL)
	}
	return s
}

// Handle runs one sweep. The schedule itself lives in the event source
// (EventBridge rule), not here.
func (s *sweeper) Handle(ctx context.Context, ev events.CloudWatchEvent) error {
	result, err := s.locks.ClearExpiredLocks(ctx)
	if err != nil {
		return err
	}
	log.Printf("[sweeper] cleared %d expired locks", result.Count)

	for _, order := range result.Orders {
		cleared := ""
		if n := len(order.Deadlocks); n > 0 {
			cleared = order.Deadlocks[n-1]
		}
		log.Printf("[sweeper] reclaimed order=%s locked_at=%s", order.OrderID, cleared)
		if s.alerts == nil {
			continue
		}
		body, _ := json.Marshal(lockAlert{
			OrderID:         order.OrderID,
			ClearedLockedAt: cleared,
			DeadlockCount:   len(order.Deadlocks),
		})
		attrs := map[string]string{"order_id": order.OrderID}
		if err := s.alerts.SendMessage(ctx, string(body), attrs); err != nil {
			// alerting is best-effort; the lock is already reclaimed
			log.Printf("[sweeper] alert for order=%s failed: %v", order.OrderID, err)
		}
	}
	return nil
}

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

	s := newSweeper(clients,
		os.Getenv("ORDERS_TABLE"),
		os.Getenv("LOCK_ALERT_QUEUE_URL"),
		lockWindowFromEnv(),
	)

	// If RUN_LOCAL=true, run a single sweep and exit.
	if os.Getenv("RUN_LOCAL") == "true" {
		if err := s.Handle(ctx, events.CloudWatchEvent{}); err != nil {
			log.Fatalf("local sweep error: %v", err)
		}
		return
	}

	lambda.Start(s.Handle)
}
