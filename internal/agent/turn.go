package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/tools"
)

// Status of a turn.
type Status int

const (
	StatusRunning Status = iota
	StatusCancelled
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCancelled:
		return "cancelled"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Event is the inbound trigger of a turn.
type Event struct {
	// ConversationID is set by the scheduler from the Submit argument.
	ConversationID string
	GuildID        string
	ChannelName    string
	// Inbound is the triggering message. The scheduler's start hook
	// persists it once the previous turn has exited.
	Inbound *history.Entry
	// Surface receives the turn's side effects.
	Surface tools.Surface
}

// Turn is one run of the loop for one event.
type Turn struct {
	ID             uuid.UUID
	ConversationID string
	Started        time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	err        error
	iterations int
	cancelled  bool
}

func newTurn(conversationID string, cancel context.CancelFunc) *Turn {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Turn{
		ID:             id,
		ConversationID: conversationID,
		Started:        time.Now(),
		cancel:         cancel,
		done:           make(chan struct{}),
		status:         StatusRunning,
	}
}

// Cancel requests cancellation. It does not wait.
func (t *Turn) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
}

// Done is closed once the turn's goroutine has exited.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Status returns the current status.
func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the error a failed turn ended with.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Iterations returns how many model decisions the turn has received.
func (t *Turn) Iterations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iterations
}

func (t *Turn) setIterations(n int) {
	t.mu.Lock()
	t.iterations = n
	t.mu.Unlock()
}

// finish records the final status from the loop's return value.
func (t *Turn) finish(err error) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err == nil:
		t.status = StatusCompleted
	case t.cancelled && errors.Is(err, context.Canceled):
		t.status = StatusCancelled
	default:
		t.status = StatusFailed
		t.err = err
	}
	return t.status
}

// Result describes a finished turn.
type Result struct {
	TurnID         uuid.UUID
	ConversationID string
	Status         Status
	Err            error
	Iterations     int
	Duration       time.Duration
}

func (t *Turn) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Result{
		TurnID:         t.ID,
		ConversationID: t.ConversationID,
		Status:         t.status,
		Err:            t.err,
		Iterations:     t.iterations,
		Duration:       time.Since(t.Started),
	}
}
