package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// fakeClient is an in-memory ConsumerClient for a single topic.
type fakeClient struct {
	mu           sync.Mutex
	events       chan kafka.Event
	log          map[kafka.Offset]*kafka.Message
	next         kafka.Offset
	topic        string
	subscribed   []string
	subscribeErr error
	stored       []kafka.Offset
	seeks        []kafka.Offset
	closes       int
}

func newFakeClient(topic string) *fakeClient {
	return &fakeClient{
		events: make(chan kafka.Event, 128),
		log:    make(map[kafka.Offset]*kafka.Message),
		topic:  topic,
	}
}

// push appends a record with the given value and headers to the topic.
func (f *fakeClient) push(value string, headers ...kafka.Header) {
	f.mu.Lock()
	topic := f.topic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: f.next},
		Value:          []byte(value),
		Headers:        headers,
	}
	f.log[f.next] = msg
	f.next++
	f.mu.Unlock()

	f.events <- msg
}

func (f *fakeClient) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, topics...)
	return nil
}

func (f *fakeClient) Poll(timeoutMs int) kafka.Event {
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil
	}
}

func (f *fakeClient) StoreMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, m.TopicPartition.Offset)
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (f *fakeClient) Seek(tp kafka.TopicPartition, _ int) error {
	f.mu.Lock()
	f.seeks = append(f.seeks, tp.Offset)
	msg := f.log[tp.Offset]
	f.mu.Unlock()

	if msg != nil {
		f.events <- msg
	}
	return nil
}

func (f *fakeClient) Logs() chan kafka.LogEvent { return nil }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeClient) storedOffsets() []kafka.Offset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Offset(nil), f.stored...)
}

func (f *fakeClient) seekOffsets() []kafka.Offset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Offset(nil), f.seeks...)
}

func (f *fakeClient) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeProducer records produced messages.
type fakeProducer struct {
	mu     sync.Mutex
	msgs   []Msg
	err    error
	closes int
}

func (p *fakeProducer) Produce(_ context.Context, msg Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakeProducer) Errors() <-chan error { return nil }

func (p *fakeProducer) Close(time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
}

func (p *fakeProducer) produced() []Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Msg(nil), p.msgs...)
}

// fakeAdmin is an in-memory TopicAdmin.
type fakeAdmin struct {
	mu        sync.Mutex
	topics    map[string]bool
	created   []kafka.TopicSpecification
	createErr kafka.ErrorCode
}

func newFakeAdmin(existing ...string) *fakeAdmin {
	a := &fakeAdmin{topics: make(map[string]bool)}
	for _, t := range existing {
		a.topics[t] = true
	}
	return a
}

func (a *fakeAdmin) GetMetadata(topic *string, _ bool, _ int) (*kafka.Metadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	md := &kafka.Metadata{Topics: map[string]kafka.TopicMetadata{}}
	if a.topics[*topic] {
		md.Topics[*topic] = kafka.TopicMetadata{Topic: *topic}
	}
	return md, nil
}

func (a *fakeAdmin) CreateTopics(_ context.Context, specs []kafka.TopicSpecification, _ ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	results := make([]kafka.TopicResult, 0, len(specs))
	for _, spec := range specs {
		a.created = append(a.created, spec)
		if a.createErr == kafka.ErrNoError {
			a.topics[spec.Topic] = true
		}
		results = append(results, kafka.TopicResult{
			Topic: spec.Topic,
			Error: kafka.NewError(a.createErr, "", false),
		})
	}
	return results, nil
}

func (a *fakeAdmin) createdTopics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.created))
	for _, spec := range a.created {
		names = append(names, spec.Topic)
	}
	return names
}
