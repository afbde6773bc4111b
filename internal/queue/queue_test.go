package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSQS is an in-memory SQS with receipt-handle based acks.
type fakeSQS struct {
	mu       sync.Mutex
	messages map[string][]types.Message // queue URL -> pending
	deleted  []string
	released []string
	nextID   int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{messages: map[string][]types.Message{}}
}

func (f *fakeSQS) push(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "msg-" + string(rune('a'+f.nextID))
	f.messages[url] = append(f.messages[url], types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	})
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(in.QueueUrl)
	pending := f.messages[url]
	n := min(len(pending), int(in.MaxNumberOfMessages))
	out := &sqs.ReceiveMessageOutput{Messages: pending[:n]}
	f.messages[url] = pending[n:]
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := types.Message{
		MessageId:     aws.String("sent"),
		ReceiptHandle: aws.String("rh-sent"),
		Body:          in.MessageBody,
	}
	f.messages[aws.ToString(in.QueueUrl)] = append(f.messages[aws.ToString(in.QueueUrl)], msg)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	depth := len(f.messages[aws.ToString(in.QueueUrl)])
	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages): itoa(depth),
		},
	}, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{byte('0' + n%10)}, out...)
		n /= 10
	}
	return string(out)
}

func TestQueue_ReceiveAndFinish(t *testing.T) {
	f := newFakeSQS()
	f.push("main", `{"jobId":"a"}`)
	f.push("main", `{"jobId":"b"}`)

	q := New(f, Config{URL: "main", WaitTime: time.Second})

	msgs, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, `{"jobId":"a"}`, msgs[0].Body)

	require.NoError(t, q.Finish(context.Background(), msgs[0]))
	assert.Equal(t, []string{msgs[0].ReceiptHandle}, f.deleted)
}

func TestQueue_Release(t *testing.T) {
	f := newFakeSQS()
	f.push("main", "body")
	q := New(f, Config{URL: "main"})

	msgs, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, q.Release(context.Background(), msgs[0]))
	assert.Equal(t, []string{msgs[0].ReceiptHandle}, f.released)
	assert.Empty(t, f.deleted)
}

func TestQueue_DeadLetter(t *testing.T) {
	f := newFakeSQS()
	f.push("main", "bad payload")
	q := New(f, Config{URL: "main", DeadLetterURL: "dlq"})

	msgs, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(context.Background(), msgs[0], "InvalidRequest"))

	// Forwarded to the DLQ and acknowledged on the main queue.
	assert.Len(t, f.messages["dlq"], 1)
	assert.Equal(t, "bad payload", aws.ToString(f.messages["dlq"][0].Body))
	assert.Len(t, f.deleted, 1)
}

func TestQueue_DeadLetterWithoutDLQStillFinishes(t *testing.T) {
	f := newFakeSQS()
	f.push("main", "bad")
	q := New(f, Config{URL: "main"})

	msgs, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(context.Background(), msgs[0], "reason"))
	assert.Len(t, f.deleted, 1)
	assert.Empty(t, f.messages["dlq"])
}

func TestQueue_SendAndDepth(t *testing.T) {
	f := newFakeSQS()
	q := New(f, Config{URL: "work"})

	require.NoError(t, q.Send(context.Background(), "region-1", 0))
	require.NoError(t, q.Send(context.Background(), "region-2", 30*time.Second))

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}
