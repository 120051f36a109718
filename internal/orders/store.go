package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/imrishuroy/go-order-lockflow/internal/aws"
)

// ErrOrderExists indicates a conditional create hit an existing order_id.
var ErrOrderExists = errors.New("order already exists")

// ErrOrderLocked indicates the conditional lock acquire found locked_at already set
// (or the order missing; callers fetch the order before locking it).
var ErrOrderLocked = errors.New("order is locked")

// ErrLockChanged indicates locked_at no longer matches the value observed at scan
// time; the lock was released or renewed in between and must not be cleared.
var ErrLockChanged = errors.New("lock changed since scan")

// ErrStatusMismatch indicates a conditional status transition failed.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create persists a new order, guarded by attribute_not_exists(order_id).
// Returns ErrOrderExists if an order with the same id is already stored.
func (s *Store) Create(ctx context.Context, order Order) error {
	now := s.nowFunc()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	input := &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	}

	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			return ErrOrderExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       orderKey(orderID),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// AcquireLock sets locked_at to the current timestamp, but only if no lock is
// present. The ConditionExpression makes this a genuine atomic compare-and-set:
// two concurrent acquirers racing on the same record cannot both succeed.
// Returns the stored timestamp on success, ErrOrderLocked on contention.
func (s *Store) AcquireLock(ctx context.Context, orderID string) (string, error) {
	now := s.nowFunc().UTC().Format(LockTimeFormat)
	input := &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET locked_at = :now, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id) AND attribute_not_exists(locked_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now},
			":ua":  &types.AttributeValueMemberS{Value: now},
		},
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return "", ErrOrderLocked
		}
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	return now, nil
}

// ReleaseLock removes locked_at. Releasing an already-unlocked order is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, orderID string) error {
	now := s.nowFunc().UTC().Format(LockTimeFormat)
	input := &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("REMOVE locked_at SET updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ua": &types.AttributeValueMemberS{Value: now},
		},
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ForceClearLock clears an expired lock and appends the cleared timestamp to the
// deadlocks history, guarded by locked_at = :observed so a lock that was released
// or renewed between scan and clear is left untouched (ErrLockChanged).
// Returns the updated order on success.
func (s *Store) ForceClearLock(ctx context.Context, orderID, observedLockedAt string) (*Order, error) {
	now := s.nowFunc().UTC().Format(LockTimeFormat)
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       orderKey(orderID),
		UpdateExpression: awsString(
			"REMOVE locked_at SET deadlocks = list_append(if_not_exists(deadlocks, :empty), :cleared), updated_at = :ua"),
		ConditionExpression: awsString("locked_at = :observed"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":observed": &types.AttributeValueMemberS{Value: observedLockedAt},
			":cleared": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberS{Value: observedLockedAt},
			}},
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":ua":    &types.AttributeValueMemberS{Value: now},
		},
		ReturnValues: types.ReturnValueAllNew,
	}
	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return nil, ErrLockChanged
		}
		return nil, fmt.Errorf("force clear lock: %w", err)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal cleared order: %w", err)
	}
	return &o, nil
}

// ScanLockedBefore returns all orders whose locked_at is older than cutoff.
// locked_at is an RFC3339 UTC string, so the < comparison in the filter is
// chronological.
func (s *Store) ScanLockedBefore(ctx context.Context, cutoff time.Time) ([]Order, error) {
	cutoffStr := cutoff.UTC().Format(LockTimeFormat)
	var result []Order
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:        &s.tableName,
			FilterExpression: awsString("attribute_exists(locked_at) AND locked_at < :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cutoff": &types.AttributeValueMemberS{Value: cutoffStr},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan locked orders: %w", err)
		}
		var page []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal scan page: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return result, nil
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("#s = :expected"),
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// Processing captures the mutation a caller wants applied while holding the
// order's lock. Nil pointer fields are left untouched.
type Processing struct {
	Status                 string
	MessageForContributors *string
	NeedsAsyncDeactivation *bool
}

// ApplyProcessing writes the payload fields (and optionally status) produced by
// an action run under the lock. Exclusivity is the lock manager's job; this is
// a plain unconditional write.
func (s *Store) ApplyProcessing(ctx context.Context, orderID string, p Processing) error {
	now := s.nowFunc()
	sets := []string{"updated_at = :ua"}
	names := map[string]string{}
	values := map[string]types.AttributeValue{
		":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
	}
	if p.Status != "" {
		sets = append(sets, "#s = :st")
		names["#s"] = "status"
		values[":st"] = &types.AttributeValueMemberS{Value: p.Status}
	}
	if p.MessageForContributors != nil {
		sets = append(sets, "message_for_contributors = :msg")
		values[":msg"] = &types.AttributeValueMemberS{Value: *p.MessageForContributors}
	}
	if p.NeedsAsyncDeactivation != nil {
		sets = append(sets, "needs_async_deactivation = :nad")
		values[":nad"] = &types.AttributeValueMemberBOOL{Value: *p.NeedsAsyncDeactivation}
	}

	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       orderKey(orderID),
		UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("attribute_exists(order_id)"),
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return fmt.Errorf("apply processing: %w", err)
	}
	return nil
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func awsString(s string) *string { return &s }
