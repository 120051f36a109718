package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-order-lockflow/internal/aws"
	"github.com/imrishuroy/go-order-lockflow/internal/locking"
	"github.com/imrishuroy/go-order-lockflow/internal/metrics"
	"github.com/imrishuroy/go-order-lockflow/internal/orders"
)

// Processor handles SQS messages and settles orders under the order lock.
type Processor struct {
	orderStore *orders.Store
	locks      *locking.Manager
	lockOpts   locking.Options
}

// NewProcessor creates a new worker processor with AWS clients injected.
func NewProcessor(clients *aws.AWSClients, ordersTable string, lockWindow time.Duration) *Processor {
	store := orders.NewStore(clients.DynamoDB, ordersTable)
	var emitter *metrics.Emitter
	if clients.CloudWatch != nil {
		emitter = metrics.NewEmitter(clients.CloudWatch)
	}
	return &Processor{
		orderStore: store,
		locks:      locking.NewManager(store, lockWindow, emitter),
		lockOpts:   locking.Options{Retries: 3, RetryDelay: 200 * time.Millisecond},
	}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			// Return error: Lambda will retry. If failed too many times, message goes to DLQ.
			log.Printf("worker error: %v", err)
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg WorkerMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	log.Printf("[worker] received order=%s corr=%s", msg.OrderID, msg.CorrelationID)

	order, err := p.orderStore.Get(ctx, msg.OrderID)
	if err != nil {
		return fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		// Should never happen — DLQ if it does
		return fmt.Errorf("order not found: %s", msg.OrderID)
	}
	switch order.Status {
	case orders.StatusPaid:
		log.Printf("[worker] already settled order=%s", msg.OrderID)
		return nil
	case orders.StatusError:
		return fmt.Errorf("order=%s is already in ERROR", msg.OrderID)
	}

	ran, err := p.locks.WithLock(ctx, msg.OrderID, func(ctx context.Context) error {
		return p.settle(ctx, msg.OrderID)
	}, p.lockOpts)
	if errors.Is(err, locking.ErrOrderProcessing) {
		// another worker holds the lock: duplicate delivery, swallow it
		log.Printf("[worker] order=%s locked elsewhere, skipping", msg.OrderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle order=%s: %w", msg.OrderID, err)
	}
	if ran {
		log.Printf("[worker] completed order=%s", msg.OrderID)
	}
	return nil
}

// settle runs with the order lock held.
func (p *Processor) settle(ctx context.Context, orderID string) error {
	// re-read under the lock; a previous delivery may have settled it already
	order, err := p.orderStore.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("fetch under lock: %w", err)
	}
	if order == nil {
		return fmt.Errorf("order disappeared: %s", orderID)
	}
	if order.Status != orders.StatusPending {
		log.Printf("[worker] order=%s already %s, nothing to settle", orderID, order.Status)
		return nil
	}

	// Do actual work (simulate for now)
	log.Printf("[worker] processing business logic for order=%s", orderID)
	time.Sleep(200 * time.Millisecond) // simulate processing work

	if err := p.orderStore.UpdateStatus(ctx, orderID, orders.StatusPending, orders.StatusPaid); err != nil {
		return fmt.Errorf("failed to update status to PAID: %w", err)
	}
	return nil
}
