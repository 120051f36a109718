package validation

// Item represents a single order line item.
type Item struct {
	SKU      string  `json:"sku" validate:"required"`            // stock keeping unit
	Quantity int     `json:"quantity" validate:"required,min=1"` // must be >= 1
	Price    float64 `json:"price" validate:"required,gt=0"`     // price per unit
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	CustomerID             string  `json:"customer_id" validate:"required"`      // business id for customer
	Items                  []Item  `json:"items" validate:"required,min=1,dive"` // at least one item
	Amount                 float64 `json:"amount" validate:"required,gt=0"`      // total amount client claims
	MessageForContributors string  `json:"message_for_contributors,omitempty"`   // optional thank-you note
}

// ProcessOrderRequest is the payload for POST /orders/:id/process.
// Retries/RetryDelayMs control lock acquisition only; they never retry the
// processing itself.
type ProcessOrderRequest struct {
	Retries                int     `json:"retries" validate:"min=0,max=10"`
	RetryDelayMs           int     `json:"retry_delay_ms" validate:"min=0,max=60000"`
	Status                 string  `json:"status,omitempty" validate:"omitempty,oneof=PENDING ACTIVE PAID PAUSED ERROR"`
	MessageForContributors *string `json:"message_for_contributors,omitempty"`
	NeedsAsyncDeactivation *bool   `json:"needs_async_deactivation,omitempty"`
}
