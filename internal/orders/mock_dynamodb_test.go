package orders

import (
	"context"
	"errors"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is a small in-memory mock for PutItem/GetItem/UpdateItem/Scan.
// It understands exactly the condition and update expressions the Store emits;
// anything else errors. Intentionally minimal, not production-grade.
type mockDynamo struct {
	mu    sync.Mutex
	table map[string]map[string]types.AttributeValue

	putCalls    int
	getCalls    int
	updateCalls int
	scanCalls   int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	keyAttr, ok := params.Item["order_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing order_id in put item")
	}
	pk := keyAttr.Value
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(order_id)" {
		if _, exists := m.table[pk]; exists {
			// simulate conditional failure
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	keyAttr, ok := params.Key["order_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing order_id key")
	}
	item, ok := m.table[keyAttr.Value]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	keyAttr, ok := params.Key["order_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing order_id key")
	}
	item, exists := m.table[keyAttr.Value]

	// evaluate the condition expressions the store uses
	if params.ConditionExpression != nil {
		cond := *params.ConditionExpression
		if !exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
		if strings.Contains(cond, "attribute_not_exists(locked_at)") {
			if _, has := item["locked_at"]; has {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
		if strings.Contains(cond, "locked_at = :observed") {
			curr, has := item["locked_at"].(*types.AttributeValueMemberS)
			observed := params.ExpressionAttributeValues[":observed"].(*types.AttributeValueMemberS)
			if !has || curr.Value != observed.Value {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
		if strings.Contains(cond, "#s = :expected") {
			curr, has := item["status"].(*types.AttributeValueMemberS)
			expected := params.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS)
			if !has || curr.Value != expected.Value {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	} else if !exists {
		return nil, errors.New("item not found")
	}

	// apply the update: naive mapping from known value placeholders
	expr := ""
	if params.UpdateExpression != nil {
		expr = *params.UpdateExpression
	}
	if strings.Contains(expr, "REMOVE locked_at") {
		delete(item, "locked_at")
	}
	if v, ok := params.ExpressionAttributeValues[":now"]; ok {
		item["locked_at"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":ua"]; ok {
		item["updated_at"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":new"]; ok {
		item["status"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":st"]; ok {
		item["status"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":msg"]; ok {
		item["message_for_contributors"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":nad"]; ok {
		item["needs_async_deactivation"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":cleared"]; ok {
		appended := v.(*types.AttributeValueMemberL).Value
		existing := []types.AttributeValue{}
		if l, has := item["deadlocks"].(*types.AttributeValueMemberL); has {
			existing = l.Value
		}
		item["deadlocks"] = &types.AttributeValueMemberL{Value: append(existing, appended...)}
	}
	m.table[keyAttr.Value] = item

	out := &dyn.UpdateItemOutput{}
	if params.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(item)
	}
	return out, nil
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanCalls++
	if params.FilterExpression == nil || !strings.Contains(*params.FilterExpression, "locked_at < :cutoff") {
		return nil, errors.New("unsupported filter expression")
	}
	cutoff := params.ExpressionAttributeValues[":cutoff"].(*types.AttributeValueMemberS).Value
	out := &dyn.ScanOutput{}
	for _, item := range m.table {
		lockedAt, has := item["locked_at"].(*types.AttributeValueMemberS)
		if has && lockedAt.Value < cutoff {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	return out, nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	cp := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		cp[k] = v
	}
	return cp
}
