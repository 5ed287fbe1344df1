package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/biblechat/internal/observability"
	"github.com/harun/biblechat/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("command queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState is the FIFO for one lane. It exists only while the lane has
// queued or running work.
type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// CommandQueue runs tasks in named lanes. Each lane executes one task at a
// time in arrival order; distinct lanes run in parallel.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq uint64
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// laneKind strips the per-session suffix so metrics labels stay bounded.
func laneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i >= 0 {
		return lane[:i]
	}
	return lane
}

// Enqueue runs task on lane after every task enqueued before it on the same
// lane has finished, and returns its result. If ctx ends before the task
// starts the task is skipped and ctx.Err() is returned.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"biblechat.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneKind(lane), queueSize)

	cq.processLane(lane, ls)
	cq.reap(lane, ls)

	select {
	case result := <-record.result:
		tracing.RecordError(span, result.err)
		return result.value, result.err
	case <-ctx.Done():
		// the lane skips the record when it reaches it, or the running task sees the cancellation
		tracing.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// processLane starts queued tasks while the lane has spare concurrency.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue[0] = nil
		ls.queue = ls.queue[1:]

		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			log.Debug().Str("lane", lane).Str("taskId", record.id).Msg("Skipping cancelled task")
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"biblechat.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()
	wait := time.Since(record.enqueuedAt)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	record.result <- taskResult{value: value, err: err}

	tracing.RecordError(span, err)
	if err != nil {
		logger.Debug().
			Str("taskId", record.id).
			Dur("wait", wait).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("wait", wait).
			Dur("duration", duration).
			Msg("Task completed")
	}

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	observability.RecordQueueCompletion(laneKind(lane), duration, err == nil, queueSize)

	cq.processLane(lane, ls)
	cq.reap(lane, ls)
}

// reap drops an idle lane so the map does not grow with finished sessions.
func (cq *CommandQueue) reap(lane string, ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.running == 0 && len(ls.queue) == 0 && cq.lanes[lane] == ls {
		delete(cq.lanes, lane)
	}
}

// Pending returns the number of queued, not yet started tasks for a lane
func (cq *CommandQueue) Pending(lane string) int {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	cq.mu.Unlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running returns the number of currently executing tasks for a lane
func (cq *CommandQueue) Running(lane string) int {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	cq.mu.Unlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Lanes returns the number of lanes with queued or running work
func (cq *CommandQueue) Lanes() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrQueueClosed}
		}
		ls.queue = nil
		ls.mu.Unlock()
		observability.SetQueueSize(laneKind(lane), 0)
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
