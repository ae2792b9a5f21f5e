package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/queuejob/pkg/observability/logger"
)

const (
	backendSQS = "sqs"

	defaultSQSWaitTimeSeconds = 10
)

// sqsAPI is the subset of the SQS client used by SQSQueue.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSConfig configures an SQS-backed queue. With DeadletterURL set, an entry
// abandoned at MaxAttempts is moved to that queue. Without it, retry limits
// and dead-lettering are left to the queue's redrive policy.
type SQSConfig struct {
	Name             string
	Region           string
	QueueURL         string
	DeadletterURL    string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
	WaitTimeSeconds  int32
	MaxAttempts      int
	// WorkItemTimeout is used as the receive visibility timeout.
	WorkItemTimeout time.Duration
}

func (c *SQSConfig) normalize() {
	c.Name = normalizeName(c.Name, queueNameFromURL(c.QueueURL))
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.WaitTimeSeconds <= 0 {
		c.WaitTimeSeconds = defaultSQSWaitTimeSeconds
	}
	if c.WaitTimeSeconds > 20 {
		c.WaitTimeSeconds = 20
	}
	if c.WorkItemTimeout <= 0 {
		c.WorkItemTimeout = DefaultWorkItemTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

func queueNameFromURL(queueURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(queueURL), "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return normalizeName(trimmed, "default")
}

// SQSQueue maps entries to SQS messages: Complete deletes the message and
// Abandon resets its visibility so it is redelivered immediately.
type SQSQueue[T any] struct {
	client sqsAPI
	codec  Codec[T]
	log    logger.Logger
	config SQSConfig

	enqueued  atomic.Int64
	dequeued  atomic.Int64
	completed atomic.Int64
	abandoned atomic.Int64
	errors    atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewSQSQueue loads AWS configuration and verifies the queue is reachable.
func NewSQSQueue[T any](cfg SQSConfig, codec Codec[T], log logger.Logger) (*SQSQueue[T], error) {
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, queueError(ErrValidation, "aws region is required")
	}
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, queueError(ErrValidation, "sqs queue URL is required")
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

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	q := newSQSQueueWithClient(sqs.NewFromConfig(awsCfg, opts...), cfg, codec, log)
	if err := q.HealthCheck(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func newSQSQueueWithClient[T any](client sqsAPI, cfg SQSConfig, codec Codec[T], log logger.Logger) *SQSQueue[T] {
	cfg.normalize()
	log = log.With("queue", cfg.Name, "backend", backendSQS)
	if strings.TrimSpace(cfg.DeadletterURL) == "" {
		log.Info("sqs dead-lettering is left to the queue redrive policy", "max_attempts", cfg.MaxAttempts)
	}
	return &SQSQueue[T]{
		client: client,
		codec:  codecOrDefault(codec),
		log:    log,
		config: cfg,
	}
}

func (q *SQSQueue[T]) Name() string { return q.config.Name }

func (q *SQSQueue[T]) Enqueue(ctx context.Context, value T) (string, error) {
	if err := q.ensureOpen(); err != nil {
		return "", err
	}
	payload, err := q.codec.Encode(value)
	if err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	out, err := q.client.SendMessage(opCtx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.config.QueueURL),
		MessageBody: aws.String(string(payload)),
	})
	recordQueueOperation(backendSQS, q.config.Name, opEnqueue, err)
	if err != nil {
		return "", fmt.Errorf("failed to send sqs message: %w", err)
	}
	q.enqueued.Add(1)
	return aws.ToString(out.MessageId), nil
}

func (q *SQSQueue[T]) Dequeue(ctx context.Context) (*Entry[T], error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	visibility := int32(q.config.WorkItemTimeout / time.Second)
	if visibility <= 0 {
		visibility = 1
	}

	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.config.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.config.WaitTimeSeconds,
			VisibilityTimeout:   visibility,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
				types.MessageSystemAttributeNameSentTimestamp,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			q.errors.Add(1)
			recordQueueOperation(backendSQS, q.config.Name, opDequeue, err)
			return nil, fmt.Errorf("failed to receive sqs message: %w", err)
		}
		if len(out.Messages) == 0 {
			continue
		}

		msg := out.Messages[0]
		info := EntryInfo{
			ID:         aws.ToString(msg.MessageId),
			Attempts:   attributeInt(msg.Attributes, string(types.MessageSystemAttributeNameApproximateReceiveCount)),
			EnqueuedAt: time.UnixMilli(int64(attributeInt(msg.Attributes, string(types.MessageSystemAttributeNameSentTimestamp)))).UTC(),
			DequeuedAt: time.Now().UTC(),
			Receipt:    aws.ToString(msg.ReceiptHandle),
		}
		value, decodeErr := q.codec.Decode([]byte(aws.ToString(msg.Body)))
		if decodeErr != nil {
			q.log.Warn("releasing undecodable sqs message", "entry_id", info.ID, "error", decodeErr)
			_ = q.changeVisibility(ctx, info, 0)
			recordQueueOperation(backendSQS, q.config.Name, opDequeue, decodeErr)
			continue
		}

		q.dequeued.Add(1)
		recordQueueOperation(backendSQS, q.config.Name, opDequeue, nil)
		trackInFlight(backendSQS, q.config.Name, 1)
		return NewEntry(info, value, sqsResolver[T]{queue: q, body: aws.ToString(msg.Body)}), nil
	}
}

// Stats reports approximate depths from queue attributes plus the counters
// observed by this process.
func (q *SQSQueue[T]) Stats(ctx context.Context) (Stats, error) {
	if err := q.ensureOpen(); err != nil {
		return Stats{}, err
	}
	attrs, err := q.queueAttributes(ctx, q.config.QueueURL)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Queued:    int64(attributeInt(attrs, string(types.QueueAttributeNameApproximateNumberOfMessages))),
		Working:   int64(attributeInt(attrs, string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible))),
		Enqueued:  q.enqueued.Load(),
		Dequeued:  q.dequeued.Load(),
		Completed: q.completed.Load(),
		Abandoned: q.abandoned.Load(),
		Errors:    q.errors.Load(),
	}
	if strings.TrimSpace(q.config.DeadletterURL) != "" {
		dlq, err := q.queueAttributes(ctx, q.config.DeadletterURL)
		if err != nil {
			return Stats{}, err
		}
		stats.Deadletter = int64(attributeInt(dlq, string(types.QueueAttributeNameApproximateNumberOfMessages)))
	}
	return stats, nil
}

func (q *SQSQueue[T]) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	_, err := q.queueAttributes(ctx, q.config.QueueURL)
	return err
}

func (q *SQSQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *SQSQueue[T]) ensureOpen() error {
	if q == nil || q.client == nil {
		return queueError(ErrNotInitialized, "sqs queue")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return queueError(ErrClosed, q.config.Name)
	}
	return nil
}

func (q *SQSQueue[T]) queueAttributes(ctx context.Context, queueURL string) (map[string]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	out, err := q.client.GetQueueAttributes(opCtx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sqs queue attributes: %w", err)
	}
	return out.Attributes, nil
}

func (q *SQSQueue[T]) changeVisibility(ctx context.Context, info EntryInfo, seconds int32) error {
	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	_, err := q.client.ChangeMessageVisibility(opCtx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.config.QueueURL),
		ReceiptHandle:     aws.String(info.Receipt),
		VisibilityTimeout: seconds,
	})
	return err
}

func attributeInt(attrs map[string]string, name string) int {
	n, err := strconv.Atoi(strings.TrimSpace(attrs[name]))
	if err != nil {
		return 0
	}
	return n
}

type sqsResolver[T any] struct {
	queue *SQSQueue[T]
	body  string
}

func (r sqsResolver[T]) Complete(ctx context.Context, info EntryInfo) error {
	q := r.queue
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	_, err := q.client.DeleteMessage(opCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.config.QueueURL),
		ReceiptHandle: aws.String(info.Receipt),
	})
	recordQueueOperation(backendSQS, q.config.Name, opComplete, err)
	if err != nil {
		q.errors.Add(1)
		return fmt.Errorf("failed to delete sqs message: %w", err)
	}
	q.completed.Add(1)
	trackInFlight(backendSQS, q.config.Name, -1)
	return nil
}

func (r sqsResolver[T]) Abandon(ctx context.Context, info EntryInfo) error {
	q := r.queue
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if strings.TrimSpace(q.config.DeadletterURL) != "" && info.Attempts >= q.config.MaxAttempts {
		err := r.deadletter(ctx, info)
		recordQueueOperation(backendSQS, q.config.Name, opAbandon, err)
		if err != nil {
			q.errors.Add(1)
			return err
		}
		q.log.Warn("queue entry moved to dead letter", "entry_id", info.ID, "attempts", info.Attempts)
		q.abandoned.Add(1)
		trackInFlight(backendSQS, q.config.Name, -1)
		return nil
	}

	err := q.changeVisibility(ctx, info, 0)
	recordQueueOperation(backendSQS, q.config.Name, opAbandon, err)
	if err != nil {
		q.errors.Add(1)
		return fmt.Errorf("failed to release sqs message: %w", err)
	}
	q.abandoned.Add(1)
	trackInFlight(backendSQS, q.config.Name, -1)
	return nil
}

// deadletter copies the message body to the dead-letter queue, then deletes
// the original. A failed delete leaves a duplicate in the dead-letter queue
// rather than losing the message.
func (r sqsResolver[T]) deadletter(ctx context.Context, info EntryInfo) error {
	q := r.queue
	opCtx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	if _, err := q.client.SendMessage(opCtx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.config.DeadletterURL),
		MessageBody: aws.String(r.body),
	}); err != nil {
		return fmt.Errorf("failed to send sqs message to dead letter queue: %w", err)
	}
	if _, err := q.client.DeleteMessage(opCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.config.QueueURL),
		ReceiptHandle: aws.String(info.Receipt),
	}); err != nil {
		return fmt.Errorf("failed to delete dead-lettered sqs message: %w", err)
	}
	return nil
}
