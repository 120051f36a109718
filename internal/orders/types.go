package orders

import "time"

// Order statuses. Owned by the surrounding business logic, not by the lock.
const (
	StatusPending = "PENDING"
	StatusActive  = "ACTIVE"
	StatusPaid    = "PAID"
	StatusPaused  = "PAUSED"
	StatusError   = "ERROR"
)

// LockTimeFormat is how locked_at and deadlocks entries are stored.
// RFC3339 UTC strings sort lexicographically in chronological order, so the
// sweep's filter expression can compare them directly.
const LockTimeFormat = time.RFC3339

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID    string                   `dynamodbav:"order_id"`              // PK
	CustomerID string                   `dynamodbav:"customer_id,omitempty"` // customer reference
	Status     string                   `dynamodbav:"status"`                // PENDING | ACTIVE | PAID | PAUSED | ERROR
	Amount     float64                  `dynamodbav:"amount"`
	Items      []map[string]interface{} `dynamodbav:"items,omitempty"` // flexible storage; can be refined
	CreatedAt  time.Time                `dynamodbav:"created_at"`
	UpdatedAt  time.Time                `dynamodbav:"updated_at"`

	// Lock state, mutated only by the lock manager via the store's
	// conditional updates.
	LockedAt  string   `dynamodbav:"locked_at,omitempty"` // RFC3339 UTC; absent when unlocked
	Deadlocks []string `dynamodbav:"deadlocks,omitempty"` // append-only history of force-cleared locks

	// Business payload preserved across lock cycles.
	MessageForContributors string `dynamodbav:"message_for_contributors,omitempty"`
	NeedsAsyncDeactivation bool   `dynamodbav:"needs_async_deactivation,omitempty"`
}

// IsLocked reports whether the order is currently locked: locked_at present
// and younger than window as of now. An expired lock counts as unlocked even
// before the sweep reclaims it.
func (o *Order) IsLocked(now time.Time, window time.Duration) bool {
	if o.LockedAt == "" {
		return false
	}
	lockedAt, err := time.Parse(LockTimeFormat, o.LockedAt)
	if err != nil {
		return false
	}
	return now.Sub(lockedAt) < window
}
