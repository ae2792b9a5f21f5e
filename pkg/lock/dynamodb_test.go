package lock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nimburion/queuejob/pkg/observability/logger"
)

type dynamoLockItem struct {
	token     string
	expiresAt int64
}

// fakeDynamo evaluates the three condition expressions the provider issues.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]dynamoLockItem
	describe error
}

func attrS(m map[string]types.AttributeValue, k string) string {
	if v, ok := m[k].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(m map[string]types.AttributeValue, k string) int64 {
	if v, ok := m[k].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := attrS(in.Item, "lock_key")
	if current, ok := f.items[key]; ok && current.expiresAt > attrN(in.ExpressionAttributeValues, ":now") {
		return nil, conditionFailed()
	}
	f.items[key] = dynamoLockItem{token: attrS(in.Item, "token"), expiresAt: attrN(in.Item, "expires_at")}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := attrS(in.Key, "lock_key")
	current, ok := f.items[key]
	if !ok || current.token != attrS(in.ExpressionAttributeValues, ":token") ||
		current.expiresAt <= attrN(in.ExpressionAttributeValues, ":now") {
		return nil, conditionFailed()
	}
	current.expiresAt = attrN(in.ExpressionAttributeValues, ":expires")
	f.items[key] = current
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := attrS(in.Key, "lock_key")
	current, ok := f.items[key]
	if !ok || current.token != attrS(in.ExpressionAttributeValues, ":token") {
		return nil, conditionFailed()
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, f.describe
}

func TestDynamoDBProvider_Lifecycle(t *testing.T) {
	ctx := context.Background()
	client := &fakeDynamo{items: map[string]dynamoLockItem{}}
	provider := newDynamoDBProviderWithClient(client, DynamoDBConfig{}, logger.Nop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return now }

	first, ok, err := provider.Acquire(ctx, "entry-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	if _, ok, err := provider.Acquire(ctx, "entry-1", time.Minute); err != nil || ok {
		t.Fatalf("expected contention, got %v, %v", ok, err)
	}
	if err := provider.Renew(ctx, first, time.Minute); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}

	now = now.Add(5 * time.Minute)
	second, ok, err := provider.Acquire(ctx, "entry-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected takeover after expiry, got %v, %v", ok, err)
	}
	if err := provider.Release(ctx, first); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale release conflict, got %v", err)
	}
	if err := provider.Release(ctx, second); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestDynamoDBProvider_HealthCheck(t *testing.T) {
	client := &fakeDynamo{items: map[string]dynamoLockItem{}, describe: errors.New("table not found")}
	provider := newDynamoDBProviderWithClient(client, DynamoDBConfig{Table: "locks"}, logger.Nop())
	if err := provider.HealthCheck(context.Background()); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
	if provider.config.Table != "locks" {
		t.Fatalf("unexpected table %q", provider.config.Table)
	}
}

func TestNewDynamoDBProvider_RequiresRegion(t *testing.T) {
	if _, err := NewDynamoDBProvider(DynamoDBConfig{}, logger.Nop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
