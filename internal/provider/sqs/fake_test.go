package sqs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

type fakeMessage struct {
	id       string
	body     string
	attrs    map[string]types.MessageAttributeValue
	received int
	visible  time.Time
	handle   string
}

// fakeSQS is an in-memory SQS with visibility timeouts and receipt handles
type fakeSQS struct {
	mu      sync.Mutex
	queues  map[string][]*fakeMessage
	batches []int

	// receiveErr, when set, fails every ReceiveMessage call
	receiveErr error
}

var _ API = (*fakeSQS)(nil)

func newFakeSQS(queues ...string) *fakeSQS {
	f := &fakeSQS{queues: map[string][]*fakeMessage{}}
	for _, q := range queues {
		f.queues[q] = nil
	}
	return f
}

func urlOf(name string) string { return "https://sqs.local/000000000000/" + name }

func nameOf(url string) string { return url[len(urlOf("")):] }

func (f *fakeSQS) depth(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[name])
}

func (f *fakeSQS) exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queues[name]
	return ok
}

func (f *fakeSQS) failReceives(err error) {
	f.mu.Lock()
	f.receiveErr = err
	f.mu.Unlock()
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	deadline := time.Now().Add(time.Duration(in.WaitTimeSeconds) * time.Second)
	for {
		out, err := f.receive(in)
		if err != nil || len(out.Messages) > 0 || !time.Now().Before(deadline) {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fakeSQS) receive(in *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	now := time.Now()
	out := &sqs.ReceiveMessageOutput{}
	for _, m := range f.queues[nameOf(aws.ToString(in.QueueUrl))] {
		if int32(len(out.Messages)) >= in.MaxNumberOfMessages {
			break
		}
		if now.Before(m.visible) {
			continue
		}
		m.received++
		m.handle = uuid.NewString()
		m.visible = now.Add(time.Duration(in.VisibilityTimeout) * time.Second)
		out.Messages = append(out.Messages, types.Message{
			MessageId:         aws.String(m.id),
			Body:              aws.String(m.body),
			ReceiptHandle:     aws.String(m.handle),
			MessageAttributes: m.attrs,
			Attributes:        map[string]string{attrReceiveCount: strconv.Itoa(m.received)},
		})
	}
	return out, nil
}

func (f *fakeSQS) find(url, handle string) (*fakeMessage, int, error) {
	for i, m := range f.queues[nameOf(url)] {
		if m.handle == handle {
			return m, i, nil
		}
	}
	return nil, -1, &types.ReceiptHandleIsInvalid{Message: aws.String("The receipt handle has expired")}
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(in.QueueUrl)
	_, i, err := f.find(url, aws.ToString(in.ReceiptHandle))
	if err != nil {
		return nil, err
	}
	name := nameOf(url)
	f.queues[name] = append(f.queues[name][:i], f.queues[name][i+1:]...)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, _, err := f.find(aws.ToString(in.QueueUrl), aws.ToString(in.ReceiptHandle))
	if err != nil {
		return nil, err
	}
	m.visible = time.Now().Add(time.Duration(in.VisibilityTimeout) * time.Second)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.push(aws.ToString(in.QueueUrl), aws.ToString(in.MessageBody), in.MessageAttributes)
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, len(in.Entries))
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range in.Entries {
		id := f.push(aws.ToString(in.QueueUrl), aws.ToString(e.MessageBody), e.MessageAttributes)
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: e.Id, MessageId: aws.String(id)})
	}
	return out, nil
}

func (f *fakeSQS) push(url, body string, attrs map[string]types.MessageAttributeValue) string {
	id := uuid.NewString()
	name := nameOf(url)
	f.queues[name] = append(f.queues[name], &fakeMessage{id: id, body: body, attrs: attrs})
	return id
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.QueueName)
	if _, ok := f.queues[name]; !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("no such queue")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(urlOf(name))}, nil
}

func (f *fakeSQS) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.QueueName)
	if _, ok := f.queues[name]; !ok {
		f.queues[name] = nil
	}
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(urlOf(name))}, nil
}

func (f *fakeSQS) DeleteQueue(_ context.Context, in *sqs.DeleteQueueInput, _ ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := nameOf(aws.ToString(in.QueueUrl))
	if _, ok := f.queues[name]; !ok {
		return nil, errors.New("AWS.SimpleQueueService.NonExistentQueue")
	}
	delete(f.queues, name)
	return &sqs.DeleteQueueOutput{}, nil
}

// expire makes every in-flight message of queue visible with a new handle
// on its next receive, invalidating handles held by consumers
func (f *fakeSQS) expire(queue string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.queues[queue] {
		m.visible = time.Time{}
	}
}
