package identity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ContactNotifier performs the out-of-band side effects of identity events.
type ContactNotifier interface {
	// PublishSignupContact announces that account now owns a verified email.
	PublishSignupContact(ctx context.Context, account Account) error
	// SendLoginCode delivers a one-time login code to email.
	SendLoginCode(ctx context.Context, email string, code string) error
}

// ContactTask is a unit of fire-and-forget work.
type ContactTask func(ctx context.Context) error

const (
	defaultContactQueueSize    = 64
	defaultContactTaskDeadline = 10 * time.Second
)

// ContactQueue runs side-effect tasks on a single worker goroutine. Enqueue
// never blocks; a full or closed queue drops the task with a warning, and task
// failures are logged and swallowed.
type ContactQueue struct {
	tasks    chan namedTask
	logger   *zap.Logger
	deadline time.Duration

	mutex  sync.RWMutex
	closed bool
	done   chan struct{}
}

type namedTask struct {
	name string
	run  ContactTask
}

// NewContactQueue starts the worker. size <= 0 selects the default capacity.
func NewContactQueue(size int, logger *zap.Logger) *ContactQueue {
	if size <= 0 {
		size = defaultContactQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := &ContactQueue{
		tasks:    make(chan namedTask, size),
		logger:   logger,
		deadline: defaultContactTaskDeadline,
		done:     make(chan struct{}),
	}
	go queue.work()
	return queue
}

// Enqueue schedules task and reports whether it was accepted.
func (queue *ContactQueue) Enqueue(name string, task ContactTask) bool {
	queue.mutex.RLock()
	defer queue.mutex.RUnlock()
	if queue.closed {
		queue.logger.Warn("contact task dropped", zap.String("code", "contact_queue.closed"), zap.String("task", name))
		return false
	}
	select {
	case queue.tasks <- namedTask{name: name, run: task}:
		return true
	default:
		queue.logger.Warn("contact task dropped", zap.String("code", "contact_queue.full"), zap.String("task", name))
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish or ctx to end.
func (queue *ContactQueue) Close(ctx context.Context) error {
	queue.mutex.Lock()
	if !queue.closed {
		queue.closed = true
		close(queue.tasks)
	}
	queue.mutex.Unlock()
	select {
	case <-queue.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (queue *ContactQueue) work() {
	defer close(queue.done)
	for task := range queue.tasks {
		queue.run(task)
	}
}

func (queue *ContactQueue) run(task namedTask) {
	ctx, cancel := context.WithTimeout(context.Background(), queue.deadline)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			queue.logger.Error("contact task panicked", zap.String("code", "contact_queue.panic"), zap.String("task", task.name), zap.Any("panic", recovered))
		}
	}()
	if err := task.run(ctx); err != nil {
		queue.logger.Warn("contact task failed", zap.String("code", "contact_queue.task_failed"), zap.String("task", task.name), zap.Error(err))
	}
}
