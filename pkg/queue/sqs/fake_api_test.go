package sqs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/mock"
)

// fakeAPI is an in-memory SQS. Received messages stay in flight until they
// are deleted or their visibility is reset to zero.
type fakeAPI struct {
	mu         sync.Mutex
	queues     map[string][]types.Message
	inflight   map[string]inflightMessage
	dedup      map[string]struct{}
	sent       []*sqs.SendMessageInput
	deleted    []string
	released   []string
	receiveErr error
	seq        int
}

type inflightMessage struct {
	url string
	msg types.Message
}

func newFakeAPI(urls ...string) *fakeAPI {
	f := &fakeAPI{
		queues:   make(map[string][]types.Message),
		inflight: make(map[string]inflightMessage),
		dedup:    make(map[string]struct{}),
	}
	for _, url := range urls {
		f.queues[url] = nil
	}
	return f
}

func (f *fakeAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := aws.ToString(in.QueueUrl)
	if _, ok := f.queues[url]; !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String(url)}
	}
	f.sent = append(f.sent, in)
	f.seq++
	id := fmt.Sprintf("msg-%d", f.seq)

	if in.MessageDeduplicationId != nil {
		key := url + "/" + aws.ToString(in.MessageDeduplicationId)
		if _, dup := f.dedup[key]; dup {
			return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
		}
		f.dedup[key] = struct{}{}
	}

	f.queues[url] = append(f.queues[url], types.Message{
		MessageId:         aws.String(id),
		Body:              in.MessageBody,
		MessageAttributes: in.MessageAttributes,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

// push enqueues a raw body, bypassing SendMessage.
func (f *fakeAPI) push(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.queues[url] = append(f.queues[url], types.Message{
		MessageId: aws.String(fmt.Sprintf("msg-%d", f.seq)),
		Body:      aws.String(body),
	})
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if f.receiveErr != nil {
		err := f.receiveErr
		f.mu.Unlock()
		return nil, err
	}

	url := aws.ToString(in.QueueUrl)
	pending := f.queues[url]
	n := min(int(in.MaxNumberOfMessages), len(pending))
	batch := make([]types.Message, 0, n)
	for _, msg := range pending[:n] {
		f.seq++
		msg.ReceiptHandle = aws.String(fmt.Sprintf("rh-%d", f.seq))
		f.inflight[*msg.ReceiptHandle] = inflightMessage{url: url, msg: msg}
		batch = append(batch, msg)
	}
	f.queues[url] = pending[n:]
	f.mu.Unlock()

	if len(batch) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rh := aws.ToString(in.ReceiptHandle)
	m, ok := f.inflight[rh]
	if !ok {
		return nil, fmt.Errorf("receipt handle %s is invalid", rh)
	}
	delete(f.inflight, rh)
	f.deleted = append(f.deleted, aws.ToString(m.msg.Body))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rh := aws.ToString(in.ReceiptHandle)
	m, ok := f.inflight[rh]
	if !ok {
		return nil, fmt.Errorf("receipt handle %s is invalid", rh)
	}
	if in.VisibilityTimeout == 0 {
		delete(f.inflight, rh)
		m.msg.ReceiptHandle = nil
		f.queues[m.url] = append(f.queues[m.url], m.msg)
		f.released = append(f.released, aws.ToString(m.msg.Body))
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeAPI) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := aws.ToString(in.QueueUrl)
	if _, ok := f.queues[url]; !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String(url)}
	}
	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{string(types.QueueAttributeNameQueueArn): "arn:aws:sqs:us-east-1:000000000000:queue"},
	}, nil
}

func (f *fakeAPI) setReceiveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiveErr = err
}

func (f *fakeAPI) deletedBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeAPI) releasedBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeAPI) sentInputs() []*sqs.SendMessageInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sqs.SendMessageInput(nil), f.sent...)
}

func (f *fakeAPI) inflightCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}

// mockAPI is a testify mock of API.
type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.SendMessageOutput)
	return out, args.Error(1)
}

func (m *mockAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.ReceiveMessageOutput)
	return out, args.Error(1)
}

func (m *mockAPI) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.DeleteMessageOutput)
	return out, args.Error(1)
}

func (m *mockAPI) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.ChangeMessageVisibilityOutput)
	return out, args.Error(1)
}

func (m *mockAPI) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.GetQueueAttributesOutput)
	return out, args.Error(1)
}
