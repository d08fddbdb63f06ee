// Package batch runs one unit of work over many independent inputs with a
// bounded number of workers.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cmdflow/internal/logging"
	"cmdflow/internal/request"
)

// DefaultConcurrency is the worker limit when none is configured.
const DefaultConcurrency = 3

// Status is the lifecycle of one item. Transitions only move forward:
// pending -> running -> success|failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Item is one input of a batch.
type Item struct {
	ID     uuid.UUID
	Index  int
	Input  string
	Output string
	Status Status
	// Result is stdout or error text for commands, the body for API calls.
	Result     string
	Response   *request.Response
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Outcome is what an ItemFunc reports for one item.
type Outcome struct {
	Success    bool
	Result     string
	OutputPath string
	Response   *request.Response
}

// ItemFunc executes one item end to end. It must not touch other items.
type ItemFunc func(ctx context.Context, item Item) Outcome

// Counts aggregates item states.
type Counts struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
}

// EventType names the notifications an Execution emits.
type EventType string

const (
	EventItemStatusChanged EventType = "item_status_changed"
	EventBatchFinished     EventType = "batch_finished"
)

// Event carries a snapshot of the item that changed and the counts after the change.
type Event struct {
	Type   EventType
	Item   Item
	Counts Counts
}

// Opts configures a Runner.
type Opts struct {
	Concurrency int
	// OnEvent is called from the coordinating goroutine, one event at a time.
	OnEvent func(Event)
}

// Runner starts batch executions.
type Runner struct {
	opts Opts
}

// NewRunner creates a Runner. A non-positive concurrency means DefaultConcurrency.
func NewRunner(opts Opts) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Runner{opts: opts}
}

// Execution is one running or finished batch. Item state is written only by
// the coordinating goroutine; every accessor returns copies.
type Execution struct {
	mu       sync.RWMutex
	items    []Item
	running  bool
	selected uuid.UUID

	cancelled atomic.Bool
	done      chan struct{}
	onEvent   func(Event)
}

type completion struct {
	index   int
	outcome Outcome
	at      time.Time
}

// Start creates one pending item per input and begins executing them with fn.
// It returns immediately; use Wait or Done to follow completion.
func (r *Runner) Start(ctx context.Context, inputs []string, fn ItemFunc) *Execution {
	e := &Execution{
		items:   make([]Item, len(inputs)),
		running: len(inputs) > 0,
		done:    make(chan struct{}),
		onEvent: r.opts.OnEvent,
	}
	for i, input := range inputs {
		e.items[i] = Item{ID: uuid.New(), Index: i, Input: input, Status: StatusPending}
	}
	logging.Logf(logging.Info, "Starting batch of %d items with concurrency %d", len(inputs), r.opts.Concurrency)
	go e.coordinate(ctx, fn, r.opts.Concurrency)
	return e
}

// Run is Start followed by Wait.
func (r *Runner) Run(ctx context.Context, inputs []string, fn ItemFunc) *Execution {
	e := r.Start(ctx, inputs, fn)
	e.Wait()
	return e
}

func (e *Execution) coordinate(ctx context.Context, fn ItemFunc, limit int) {
	defer close(e.done)

	completions := make(chan completion)
	next, active := 0, 0
	for {
		for active < limit && next < len(e.items) && !e.cancelled.Load() && ctx.Err() == nil {
			item := e.update(next, func(it *Item) {
				now := time.Now()
				it.Status = StatusRunning
				it.StartedAt = &now
			})
			active++
			next++
			go func(item Item) {
				completions <- completion{index: item.Index, outcome: runItem(ctx, fn, item), at: time.Now()}
			}(item)
		}
		if active == 0 {
			break
		}
		c := <-completions
		active--
		e.update(c.index, func(it *Item) {
			it.Status = StatusFailed
			if c.outcome.Success {
				it.Status = StatusSuccess
			}
			it.Result = c.outcome.Result
			it.Response = c.outcome.Response
			if c.outcome.OutputPath != "" {
				it.Output = c.outcome.OutputPath
			}
			it.FinishedAt = &c.at
		})
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	counts := e.Counts()
	logging.Logf(logging.Info, "Batch finished: %d succeeded, %d failed, %d not started", counts.Succeeded, counts.Failed, counts.Pending)
	e.emit(Event{Type: EventBatchFinished, Counts: counts})
}

// runItem shields the coordinator from a panicking ItemFunc.
func runItem(ctx context.Context, fn ItemFunc, item Item) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Result: fmt.Sprintf("item panicked: %v", r)}
		}
	}()
	return fn(ctx, item)
}

func (e *Execution) update(index int, mutate func(*Item)) Item {
	e.mu.Lock()
	mutate(&e.items[index])
	item := e.items[index]
	counts := e.countsLocked()
	e.mu.Unlock()
	e.emit(Event{Type: EventItemStatusChanged, Item: item, Counts: counts})
	return item
}

func (e *Execution) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// Cancel stops new items from starting. Items already running finish normally
// and items never started stay pending.
func (e *Execution) Cancel() {
	if !e.cancelled.Swap(true) {
		logging.Logf(logging.Info, "Batch cancelled; waiting for running items")
	}
}

// Cancelled reports whether Cancel was called.
func (e *Execution) Cancelled() bool { return e.cancelled.Load() }

// Done is closed once no workers remain.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the batch has finished.
func (e *Execution) Wait() { <-e.done }

// IsRunning reports whether any worker may still be active.
func (e *Execution) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Items returns a snapshot of every item in input order.
func (e *Execution) Items() []Item {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Item(nil), e.items...)
}

// Item returns a snapshot of the item with id.
func (e *Execution) Item(id uuid.UUID) (Item, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, it := range e.items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Select marks id as the item a viewer is looking at. Selection is state for
// presentation-layer callers; the runner itself never reads it.
func (e *Execution) Select(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, it := range e.items {
		if it.ID == id {
			e.selected = id
			return true
		}
	}
	return false
}

// Selected returns the selected item, if any.
func (e *Execution) Selected() (Item, bool) {
	e.mu.RLock()
	id := e.selected
	e.mu.RUnlock()
	if id == uuid.Nil {
		return Item{}, false
	}
	return e.Item(id)
}

// Counts aggregates the current item states.
func (e *Execution) Counts() Counts {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.countsLocked()
}

func (e *Execution) countsLocked() Counts {
	c := Counts{Total: len(e.items)}
	for _, it := range e.items {
		switch it.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusSuccess:
			c.Succeeded++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}
