package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/nimburion/queuejob/pkg/observability/logger"
)

const defaultDynamoDBLockTable = "queuejob_locks"

// dynamoAPI is the subset of the DynamoDB client used by DynamoDBProvider.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBConfig configures the DynamoDB lock provider. The table must have a
// string partition key named lock_key.
type DynamoDBConfig struct {
	Region           string
	Table            string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

func (c *DynamoDBConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultDynamoDBLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
}

// DynamoDBProvider grants leases with conditional writes on lock items.
type DynamoDBProvider struct {
	client dynamoAPI
	log    logger.Logger
	config DynamoDBConfig
	now    func() time.Time
}

// NewDynamoDBProvider builds an AWS SDK client and checks the lock table exists.
func NewDynamoDBProvider(cfg DynamoDBConfig, log logger.Logger) (*DynamoDBProvider, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, lockError(ErrInvalidArgument, "aws region is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	provider := newDynamoDBProviderWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)
	if err := provider.HealthCheck(context.Background()); err != nil {
		return nil, err
	}
	return provider, nil
}

func newDynamoDBProviderWithClient(client dynamoAPI, cfg DynamoDBConfig, log logger.Logger) *DynamoDBProvider {
	cfg.normalize()
	return &DynamoDBProvider{
		client: client,
		log:    log,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *DynamoDBProvider) Name() string { return "dynamodb" }

func (p *DynamoDBProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if p == nil || p.client == nil {
		return nil, false, lockError(ErrNotInitialized, "dynamodb lock provider is not initialized")
	}
	key, err := validateAcquire(key, ttl)
	if err != nil {
		return nil, false, err
	}

	now := p.now()
	token := uuid.NewString()
	expiresAt := now.Add(ttl)

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	_, err = p.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(p.config.Table),
		Item: map[string]types.AttributeValue{
			"lock_key":   &types.AttributeValueMemberS{Value: key},
			"token":      &types.AttributeValueMemberS{Value: token},
			"expires_at": millisAttribute(expiresAt),
		},
		ConditionExpression: aws.String("attribute_not_exists(lock_key) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millisAttribute(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, false, nil
		}
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	return &Lease{Key: key, Token: token, ExpireAt: expiresAt}, true, nil
}

func (p *DynamoDBProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "dynamodb lock provider is not initialized")
	}
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	now := p.now()
	expiresAt := now.Add(ttl)
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	_, err = p.client.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(p.config.Table),
		Key:                 map[string]types.AttributeValue{"lock_key": &types.AttributeValueMemberS{Value: key}},
		UpdateExpression:    aws.String("SET expires_at = :expires"),
		ConditionExpression: aws.String("#token = :token AND expires_at > :now"),
		ExpressionAttributeNames: map[string]string{
			"#token": "token",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires": millisAttribute(expiresAt),
			":token":   &types.AttributeValueMemberS{Value: token},
			":now":     millisAttribute(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return lockError(ErrConflict, "lock renew rejected")
		}
		return errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	lease.ExpireAt = expiresAt
	return nil
}

func (p *DynamoDBProvider) Release(ctx context.Context, lease *Lease) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "dynamodb lock provider is not initialized")
	}
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	_, err = p.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(p.config.Table),
		Key:                      map[string]types.AttributeValue{"lock_key": &types.AttributeValueMemberS{Value: key}},
		ConditionExpression:      aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]string{"#token": "token"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return lockError(ErrConflict, "lock release rejected")
		}
		return errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	return nil
}

func (p *DynamoDBProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "dynamodb lock provider is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if _, err := p.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(p.config.Table)}); err != nil {
		return errors.Join(lockError(ErrRetryable, "dynamodb healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op; the AWS client holds no long-lived connections to release.
func (p *DynamoDBProvider) Close() error {
	return nil
}

func millisAttribute(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	var conditionFailed *types.ConditionalCheckFailedException
	return errors.As(err, &conditionFailed)
}
