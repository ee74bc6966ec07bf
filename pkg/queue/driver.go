package queue

import (
	"context"
	"errors"
)

var (
	// ErrUnknownQueue is returned when a queue name has no configured endpoint.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrInvalidQueueName is returned for an empty queue name.
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
	// ErrConsumerAttached is returned by Process when the queue already has a
	// running consumer.
	ErrConsumerAttached = errors.New("consumer already attached")
	// ErrDrainTimeout is returned by Drain when consumers did not stop in time.
	ErrDrainTimeout = errors.New("drain timed out")
	// ErrDriverNotSupported is returned for an unknown Config.Driver value.
	ErrDriverNotSupported = errors.New("queue driver not supported")
)

// AckFunc signals application-level completion of a job. It is used for
// diagnostics only; backend acknowledgement happens when the handler returns
// nil. Calling it more than once has no additional effect.
type AckFunc func()

// Handler processes a single job. A non-nil error leaves the message with the
// backend so that its native redelivery applies.
type Handler func(ctx context.Context, job *Job, ack AckFunc) error

// Driver is the contract every queue backend satisfies.
type Driver interface {
	// Enqueue serializes data as JSON and publishes it to queueName. A nil
	// data is published as an empty object.
	//
	// Enqueue returns once the backend acknowledged receipt, not once the
	// job was processed. Backend failures are reported according to the
	// configured PublishFailurePolicy.
	Enqueue(ctx context.Context, queueName string, data any) error

	// Process attaches handler as the consumer of queueName and starts it.
	// It returns before any message is necessarily received.
	//
	// Process returns ErrConsumerAttached if a consumer for queueName is
	// already running, and any error raised while starting the consumer.
	Process(ctx context.Context, queueName string, handler Handler) error

	// Drain stops every running consumer and waits for them to finish their
	// in-flight jobs. Calling Drain again is a no-op.
	Drain(ctx context.Context) error
}

// Consumer is the lifecycle handle a backend registers for a queue.
type Consumer interface {
	Queue() string
	// Start begins consuming in the background.
	Start(ctx context.Context) error
	// Stop requests the consumer to stop polling and waits for in-flight
	// handlers until ctx is done.
	Stop(ctx context.Context) error
	IsRunning() bool
}

// ValidateQueueName rejects empty queue names.
func ValidateQueueName(name string) error {
	if name == "" {
		return ErrInvalidQueueName
	}
	return nil
}

// Monitor is implemented by drivers that expose the state of their consumers.
type Monitor interface {
	// Running returns the sorted names of queues with a running consumer.
	Running() []string
	// Errors returns the error channel of the consumer attached to
	// queueName, or nil if there is none.
	Errors(queueName string) <-chan error
}
