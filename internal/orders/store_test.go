package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func seedOrder(t *testing.T, mock *mockDynamo, o Order) {
	t.Helper()
	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		t.Fatalf("marshal seed order: %v", err)
	}
	mock.table[o.OrderID] = item
}

func loadOrder(t *testing.T, mock *mockDynamo, orderID string) Order {
	t.Helper()
	item, ok := mock.table[orderID]
	if !ok {
		t.Fatalf("order %s missing from mock", orderID)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(item, &o); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	return o
}

func TestCreate_DuplicateFails(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	order := Order{OrderID: "order-1", CustomerID: "cust-1", Status: StatusPending, Amount: 25.5}
	if err := store.Create(ctx, order); err != nil {
		t.Fatalf("expected create success, got %v", err)
	}
	err := store.Create(ctx, order)
	if !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected ErrOrderExists, got %v", err)
	}
}

func TestAcquireLock_SetsLockedAt_SecondAcquireFails(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	seedOrder(t, mock, Order{OrderID: "order-1", Status: StatusPending})

	ts, err := store.AcquireLock(ctx, "order-1")
	if err != nil {
		t.Fatalf("expected acquire success, got %v", err)
	}
	if ts != now.Format(LockTimeFormat) {
		t.Fatalf("unexpected lock timestamp %s", ts)
	}
	got := loadOrder(t, mock, "order-1")
	if got.LockedAt != ts {
		t.Fatalf("locked_at not persisted, got %q", got.LockedAt)
	}

	// second acquire must hit the conditional check
	if _, err := store.AcquireLock(ctx, "order-1"); !errors.Is(err, ErrOrderLocked) {
		t.Fatalf("expected ErrOrderLocked, got %v", err)
	}
}

func TestAcquireLock_MissingOrderFails(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")

	if _, err := store.AcquireLock(context.Background(), "nope"); !errors.Is(err, ErrOrderLocked) {
		t.Fatalf("expected ErrOrderLocked for missing order, got %v", err)
	}
}

func TestReleaseLock_ClearsLockedAt(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	seedOrder(t, mock, Order{OrderID: "order-1", Status: StatusPending, LockedAt: "2024-03-01T12:00:00Z"})

	if err := store.ReleaseLock(ctx, "order-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	got := loadOrder(t, mock, "order-1")
	if got.LockedAt != "" {
		t.Fatalf("locked_at still set after release: %q", got.LockedAt)
	}

	// releasing again is a no-op
	if err := store.ReleaseLock(ctx, "order-1"); err != nil {
		t.Fatalf("second release failed: %v", err)
	}

	// reacquire should now succeed
	if _, err := store.AcquireLock(ctx, "order-1"); err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
}

func TestForceClearLock_AppendsDeadlockHistory(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	staleTS := "2024-03-01T11:00:00Z"
	seedOrder(t, mock, Order{OrderID: "order-1", Status: StatusActive, LockedAt: staleTS})

	updated, err := store.ForceClearLock(ctx, "order-1", staleTS)
	if err != nil {
		t.Fatalf("force clear failed: %v", err)
	}
	if updated.LockedAt != "" {
		t.Fatalf("locked_at still set on returned order: %q", updated.LockedAt)
	}
	if len(updated.Deadlocks) != 1 || updated.Deadlocks[0] != staleTS {
		t.Fatalf("deadlocks not appended, got %v", updated.Deadlocks)
	}

	// a second clear appends a second entry
	seconds := "2024-03-01T11:30:00Z"
	mock.table["order-1"]["locked_at"] = &types.AttributeValueMemberS{Value: seconds}
	updated, err = store.ForceClearLock(ctx, "order-1", seconds)
	if err != nil {
		t.Fatalf("second force clear failed: %v", err)
	}
	if len(updated.Deadlocks) != 2 || updated.Deadlocks[0] != staleTS || updated.Deadlocks[1] != seconds {
		t.Fatalf("deadlock history out of order: %v", updated.Deadlocks)
	}
}

func TestForceClearLock_ObservedMismatch(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	seedOrder(t, mock, Order{OrderID: "order-1", Status: StatusActive, LockedAt: "2024-03-01T12:00:00Z"})

	// the lock was renewed after the scan observed the old value
	_, err := store.ForceClearLock(ctx, "order-1", "2024-03-01T11:00:00Z")
	if !errors.Is(err, ErrLockChanged) {
		t.Fatalf("expected ErrLockChanged, got %v", err)
	}
	got := loadOrder(t, mock, "order-1")
	if got.LockedAt == "" || len(got.Deadlocks) != 0 {
		t.Fatalf("mismatch clear mutated the order: %+v", got)
	}
}

func TestScanLockedBefore(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedOrder(t, mock, Order{OrderID: "stale", LockedAt: now.Add(-time.Hour).Format(LockTimeFormat)})
	seedOrder(t, mock, Order{OrderID: "fresh", LockedAt: now.Format(LockTimeFormat)})
	seedOrder(t, mock, Order{OrderID: "unlocked"})

	got, err := store.ScanLockedBefore(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(got) != 1 || got[0].OrderID != "stale" {
		t.Fatalf("expected only the stale order, got %+v", got)
	}
}

func TestUpdateStatus_Condition_SuccessAndFail(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	seedOrder(t, mock, Order{OrderID: "order-10", CustomerID: "c10", Status: StatusPending, Amount: 1.0})

	// success: PENDING -> PAID
	if err := store.UpdateStatus(ctx, "order-10", StatusPending, StatusPaid); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	// failure: PENDING -> PAUSED (but current is PAID)
	err := store.UpdateStatus(ctx, "order-10", StatusPending, StatusPaused)
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
}

func TestApplyProcessing_WritesPayloadFields(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	seedOrder(t, mock, Order{OrderID: "order-1", Status: StatusPending})

	msg := "thanks for backing us"
	flag := true
	err := store.ApplyProcessing(ctx, "order-1", Processing{
		Status:                 StatusPaused,
		MessageForContributors: &msg,
		NeedsAsyncDeactivation: &flag,
	})
	if err != nil {
		t.Fatalf("apply processing failed: %v", err)
	}
	got := loadOrder(t, mock, "order-1")
	if got.Status != StatusPaused {
		t.Fatalf("status not updated, got %s", got.Status)
	}
	if got.MessageForContributors != msg {
		t.Fatalf("message not updated, got %q", got.MessageForContributors)
	}
	if !got.NeedsAsyncDeactivation {
		t.Fatalf("needs_async_deactivation not set")
	}
}

func TestOrderIsLocked(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute

	unlocked := Order{OrderID: "o1"}
	if unlocked.IsLocked(now, window) {
		t.Fatal("order without locked_at reported locked")
	}

	fresh := Order{OrderID: "o2", LockedAt: now.Add(-time.Minute).Format(LockTimeFormat)}
	if !fresh.IsLocked(now, window) {
		t.Fatal("fresh lock reported unlocked")
	}

	stale := Order{OrderID: "o3", LockedAt: now.Add(-time.Hour).Format(LockTimeFormat)}
	if stale.IsLocked(now, window) {
		t.Fatal("hour-old lock reported locked")
	}
}
