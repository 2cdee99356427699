package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskTypeEntry is the asynq task type carrying one audit entry.
const TaskTypeEntry = "audit:entry"

// Enqueuer is the part of *asynq.Client used by QueueSink.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands entries to a Redis-backed asynq queue so a worker can
// persist them with its own retries.
type QueueSink struct {
	client   Enqueuer
	queue    string
	maxRetry int
}

// NewQueueSink creates a queue sink. An empty queue name uses asynq's default queue.
func NewQueueSink(client Enqueuer, queue string, maxRetry int) *QueueSink {
	if maxRetry <= 0 {
		maxRetry = 10
	}
	return &QueueSink{client: client, queue: queue, maxRetry: maxRetry}
}

func (s *QueueSink) Name() string { return "queue" }

func (s *QueueSink) Write(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	opts := []asynq.Option{asynq.MaxRetry(s.maxRetry), asynq.TaskID(e.EntryID)}
	if s.queue != "" {
		opts = append(opts, asynq.Queue(s.queue))
	}
	task := asynq.NewTask(TaskTypeEntry, data)
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue audit task: %w", err)
	}
	return nil
}

// Processor persists queued entries into a durable sink.
type Processor struct {
	sink Sink
}

// NewProcessor creates a worker-side processor writing into sink.
func NewProcessor(sink Sink) *Processor {
	return &Processor{sink: sink}
}

// Handler registers the audit entry handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeEntry, p.HandleEntry)
	return mux
}

// HandleEntry decodes and writes one entry. Malformed payloads are not retried.
func (p *Processor) HandleEntry(ctx context.Context, task *asynq.Task) error {
	var e Entry
	if err := json.Unmarshal(task.Payload(), &e); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if e.EntryID == "" || !e.Action.Valid() {
		return fmt.Errorf("invalid audit entry %q: %w", e.EntryID, asynq.SkipRetry)
	}
	if err := p.sink.Write(ctx, &e); err != nil {
		return fmt.Errorf("write audit entry %s: %w", e.EntryID, err)
	}
	return nil
}
