package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/imrishuroy/go-order-lockflow/internal/aws"
	"github.com/imrishuroy/go-order-lockflow/internal/locking"
	"github.com/imrishuroy/go-order-lockflow/internal/metrics"
	"github.com/imrishuroy/go-order-lockflow/internal/orders"
	"github.com/imrishuroy/go-order-lockflow/internal/validation"
)

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	DynamoDBClient   aws.DynamoDBAPI
	SQSClient        aws.SQSAPI
	CloudWatchClient aws.CloudWatchAPI
	OrdersTable      string
	QueueURL         string
	LockWindow       time.Duration
}

// RegisterOrdersRoutes registers routes for the order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	ordersStore := orders.NewStore(cfg.DynamoDBClient, cfg.OrdersTable)
	var emitter *metrics.Emitter
	if cfg.CloudWatchClient != nil {
		emitter = metrics.NewEmitter(cfg.CloudWatchClient)
	}
	locks := locking.NewManager(ordersStore, cfg.LockWindow, emitter)
	var publisher *aws.Publisher
	if cfg.SQSClient != nil {
		publisher = aws.NewPublisher(cfg.SQSClient, cfg.QueueURL)
	}

	r.POST("/orders", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		orderID := uuid.NewString()
		order := orders.Order{
			OrderID:                orderID,
			CustomerID:             req.CustomerID,
			Status:                 orders.StatusPending,
			Amount:                 req.Amount,
			MessageForContributors: req.MessageForContributors,
		}
		items := make([]map[string]interface{}, 0, len(req.Items))
		for _, it := range req.Items {
			items = append(items, map[string]interface{}{
				"sku":      it.SKU,
				"quantity": it.Quantity,
				"price":    it.Price,
			})
		}
		order.Items = items

		if err := ordersStore.Create(ctx, order); err != nil {
			if errors.Is(err, orders.ErrOrderExists) {
				c.JSON(http.StatusConflict, gin.H{"error": "order_exists", "order_id": orderID})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "detail": err.Error()})
			return
		}

		// hand the order to the worker queue for settlement
		if publisher != nil {
			payload, _ := json.Marshal(map[string]string{"order_id": orderID})
			attrs := map[string]string{
				"order_id":       orderID,
				"correlation_id": c.GetHeader("X-Request-Id"),
			}
			if err := publisher.SendMessage(ctx, string(payload), attrs); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed", "detail": err.Error()})
				return
			}
		}

		c.Header("Location", fmt.Sprintf("/orders/%s", orderID))
		c.JSON(http.StatusCreated, gin.H{"order_id": orderID, "status": orders.StatusPending})
	})

	r.GET("/orders/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		order, err := ordersStore.Get(ctx, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed", "detail": err.Error()})
			return
		}
		if order == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"order":  order,
			"locked": order.IsLocked(time.Now().UTC(), locks.ExpiryWindow()),
		})
	})

	r.POST("/orders/:id/process", func(c *gin.Context) {
		ctx := c.Request.Context()
		orderID := c.Param("id")

		var req validation.ProcessOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		order, err := ordersStore.Get(ctx, orderID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed", "detail": err.Error()})
			return
		}
		if order == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}

		ran, err := locks.WithLock(ctx, orderID, func(ctx context.Context) error {
			return ordersStore.ApplyProcessing(ctx, orderID, orders.Processing{
				Status:                 req.Status,
				MessageForContributors: req.MessageForContributors,
				NeedsAsyncDeactivation: req.NeedsAsyncDeactivation,
			})
		}, locking.Options{
			Retries:    req.Retries,
			RetryDelay: time.Duration(req.RetryDelayMs) * time.Millisecond,
		})
		if errors.Is(err, locking.ErrOrderProcessing) {
			c.JSON(http.StatusConflict, gin.H{"error": "order_locked", "msg": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed", "detail": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"order_id": orderID, "processed": ran})
	})
}
