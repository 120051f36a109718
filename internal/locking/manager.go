// Package locking provides cooperative mutual exclusion over order records.
//
// Operations on the same order may run in different processes, so exclusivity
// cannot come from an in-memory mutex. The lock is a locked_at timestamp on
// the order itself, acquired and cleared through the store's atomic conditional
// updates. A periodic sweep reclaims locks whose holder died, recording each
// forced clear in the order's deadlock history.
package locking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/imrishuroy/go-order-lockflow/internal/metrics"
	"github.com/imrishuroy/go-order-lockflow/internal/orders"
)

// DefaultExpiryWindow is how long a lock may be held before the sweep treats
// it as abandoned.
const DefaultExpiryWindow = 10 * time.Minute

// ErrOrderProcessing is returned when the lock could not be acquired and all
// retries (if any) were exhausted. The message is user-facing.
var ErrOrderProcessing = errors.New("This order is already been processed, please try again later")

// Store is the slice of the orders store the lock manager needs.
type Store interface {
	AcquireLock(ctx context.Context, orderID string) (string, error)
	ReleaseLock(ctx context.Context, orderID string) error
	ForceClearLock(ctx context.Context, orderID, observedLockedAt string) (*orders.Order, error)
	ScanLockedBefore(ctx context.Context, cutoff time.Time) ([]orders.Order, error)
}

// Options control acquisition retry behavior. The zero value means a single
// attempt with no waiting.
type Options struct {
	Retries    int           // additional acquisition attempts after the first
	RetryDelay time.Duration // wait before each retry
}

// SweepResult reports what ClearExpiredLocks reclaimed.
type SweepResult struct {
	Count  int
	Orders []orders.Order // post-clear state of each reclaimed order
}

// Manager coordinates lock acquisition, release and reclamation for orders.
type Manager struct {
	store   Store
	emitter *metrics.Emitter // nil-safe, optional
	window  time.Duration
	nowFunc func() time.Time
}

// NewManager returns a Manager using the given expiry window; window <= 0
// falls back to DefaultExpiryWindow. emitter may be nil.
func NewManager(store Store, window time.Duration, emitter *metrics.Emitter) *Manager {
	if window <= 0 {
		window = DefaultExpiryWindow
	}
	return &Manager{
		store:   store,
		emitter: emitter,
		window:  window,
		nowFunc: time.Now,
	}
}

// ExpiryWindow returns the configured lock expiry window.
func (m *Manager) ExpiryWindow() time.Duration {
	return m.window
}

// WithLock runs action while holding the order's lock.
//
// The acquire is an atomic conditional write: if another holder has the lock,
// WithLock waits opts.RetryDelay and tries again, up to opts.Retries extra
// attempts, then fails with ErrOrderProcessing. Once acquired, the lock is
// released on every exit path, including an action error or panic; an error
// from action is returned unchanged, never retried here.
//
// The returned bool reports whether action ran: true means one full
// lock/run/release cycle happened (the error, if any, came from the action or
// the release), false means the lock was never acquired.
func (m *Manager) WithLock(ctx context.Context, orderID string, action func(context.Context) error, opts Options) (bool, error) {
	remaining := opts.Retries
	for {
		_, err := m.store.AcquireLock(ctx, orderID)
		if err == nil {
			break
		}
		if !errors.Is(err, orders.ErrOrderLocked) {
			return false, fmt.Errorf("acquire lock for order %s: %w", orderID, err)
		}
		m.emitter.Count(ctx, metrics.MetricLockBusy, 1, map[string]string{"OrderID": orderID})
		if remaining <= 0 {
			return false, ErrOrderProcessing
		}
		remaining--
		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	m.emitter.Count(ctx, metrics.MetricLockAcquired, 1, nil)

	err := func() (actionErr error) {
		defer func() {
			// release must survive caller cancellation and action panics
			relCtx := context.WithoutCancel(ctx)
			if relErr := m.store.ReleaseLock(relCtx, orderID); relErr != nil {
				if actionErr == nil {
					actionErr = fmt.Errorf("release lock for order %s: %w", orderID, relErr)
				} else {
					log.Printf("[locking] release lock for order %s failed after action error: %v", orderID, relErr)
				}
			}
		}()
		return action(ctx)
	}()
	return true, err
}

// ClearExpiredLocks reclaims locks older than the expiry window.
//
// The scan result is only a candidate list: each clear is guarded by the
// locked_at value observed at scan time, so a lock that was legitimately
// released or re-acquired in between is skipped rather than clobbered. Each
// successful clear appends the stale timestamp to the order's deadlock
// history. Running the sweep again immediately clears nothing.
func (m *Manager) ClearExpiredLocks(ctx context.Context) (SweepResult, error) {
	cutoff := m.nowFunc().Add(-m.window)
	expired, err := m.store.ScanLockedBefore(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("scan expired locks: %w", err)
	}

	var result SweepResult
	for i := range expired {
		updated, err := m.store.ForceClearLock(ctx, expired[i].OrderID, expired[i].LockedAt)
		if errors.Is(err, orders.ErrLockChanged) {
			log.Printf("[locking] order %s lock changed since scan, skipping", expired[i].OrderID)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("clear expired lock for order %s: %w", expired[i].OrderID, err)
		}
		result.Count++
		result.Orders = append(result.Orders, *updated)
	}
	if result.Count > 0 {
		m.emitter.Count(ctx, metrics.MetricSweepCleared, float64(result.Count), nil)
	}
	return result, nil
}
