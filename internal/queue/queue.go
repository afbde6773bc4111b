// Package queue wraps the SQS queues the orchestrator consumes and produces:
// the upstream image queue, the region work queue, and the async poller
// queue. It owns receive/ack/release semantics and dead-lettering.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the queue needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Message is one received queue message.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	Attributes    map[string]string
}

// Config configures a Queue.
type Config struct {
	URL string
	// DeadLetterURL receives permanently rejected messages; empty disables
	// explicit dead-lettering.
	DeadLetterURL string
	// WaitTime is the long-poll interval (default 20s, SQS maximum).
	WaitTime time.Duration
	// VisibilityTimeout covers worst-case processing of one message.
	VisibilityTimeout time.Duration
	Logger            *slog.Logger
}

// Queue is one SQS queue with optional dead-letter companion.
type Queue struct {
	client SQSAPI
	cfg    Config
	log    *slog.Logger
}

// New creates a queue wrapper.
func New(client SQSAPI, cfg Config) *Queue {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{client: client, cfg: cfg, log: cfg.Logger}
}

// URL returns the queue URL.
func (q *Queue) URL() string { return q.cfg.URL }

// Receive long-polls for up to max messages.
func (q *Queue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 || max > 10 {
		max = 10
	}

	in := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.cfg.URL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(q.cfg.WaitTime.Seconds()),
		MessageAttributeNames: []string{"All"},
	}
	if q.cfg.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(q.cfg.VisibilityTimeout.Seconds())
	}

	out, err := q.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.cfg.URL, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			Attributes:    map[string]string{},
		}
		for k, v := range m.MessageAttributes {
			msg.Attributes[k] = aws.ToString(v.StringValue)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Finish acknowledges a message, removing it from the queue.
func (q *Queue) Finish(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.URL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	return nil
}

// Release makes a message immediately visible again for redelivery.
func (q *Queue) Release(ctx context.Context, msg Message) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.URL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("release message %s: %w", msg.ID, err)
	}
	return nil
}

// Send enqueues a body with an optional delivery delay.
func (q *Queue) Send(ctx context.Context, body string, delay time.Duration) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.URL),
		MessageBody: aws.String(body),
	}
	if delay > 0 {
		in.DelaySeconds = int32(delay.Seconds())
	}
	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("send to %s: %w", q.cfg.URL, err)
	}
	return nil
}

// DeadLetter forwards the original body to the dead-letter queue with the
// rejection reason, then acknowledges the message. Without a configured
// dead-letter queue the message is only acknowledged.
func (q *Queue) DeadLetter(ctx context.Context, msg Message, reason string) error {
	if err := q.DeadLetterBody(ctx, msg.Body, reason); err != nil {
		return fmt.Errorf("dead-letter message %s: %w", msg.ID, err)
	}
	return q.Finish(ctx, msg)
}

// DeadLetterBody sends a raw payload to the dead-letter queue. Used for
// records whose upstream message was acknowledged long ago, such as jobs that
// exhausted their retry budget.
func (q *Queue) DeadLetterBody(ctx context.Context, body, reason string) error {
	if q.cfg.DeadLetterURL == "" {
		q.log.Warn("no dead-letter queue configured, dropping payload", "reason", reason)
		return nil
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.DeadLetterURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"FailureReason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("dead-letter payload: %w", err)
	}
	return nil
}

// Depth returns the approximate number of visible messages.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.cfg.URL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("queue attributes for %s: %w", q.cfg.URL, err)
	}
	n, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	if err != nil {
		return 0, fmt.Errorf("parse queue depth: %w", err)
	}
	return n, nil
}
