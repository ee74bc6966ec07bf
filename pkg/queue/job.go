package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Job is the in-process representation of one received message.
//
// A Job is created by a driver when a message arrives and handed to exactly
// one handler invocation. Its id is minted locally and is only meant for log
// and trace correlation.
type Job struct {
	id    string
	queue string
	raw   json.RawMessage
	data  any
}

// NewJob decodes body into a Job with a freshly generated id.
func NewJob(queueName string, body []byte) (*Job, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode message body: %w", err)
	}

	raw := make(json.RawMessage, len(body))
	copy(raw, body)

	return &Job{
		id:    uuid.NewString(),
		queue: queueName,
		raw:   raw,
		data:  data,
	}, nil
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Queue returns the name of the queue the job was received on.
func (j *Job) Queue() string { return j.queue }

// Data returns the decoded payload. JSON objects decode to map[string]any.
func (j *Job) Data() any { return j.data }

// Raw returns a copy of the serialized payload.
func (j *Job) Raw() json.RawMessage {
	out := make(json.RawMessage, len(j.raw))
	copy(out, j.raw)
	return out
}

// Bind decodes the payload into v.
func (j *Job) Bind(v any) error {
	if err := json.Unmarshal(j.raw, v); err != nil {
		return fmt.Errorf("failed to bind job %s: %w", j.id, err)
	}
	return nil
}
