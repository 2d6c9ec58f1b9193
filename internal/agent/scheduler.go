package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/nugget/parley/internal/events"
)

// Runner executes one turn.
type Runner interface {
	Run(ctx context.Context, turn *Turn, ev Event) error
}

// StartFunc runs inside Submit after the previous turn of the
// conversation has exited and before the new one starts. An error
// aborts the submit and leaves the slot empty.
type StartFunc func(ctx context.Context, ev Event) error

// Reporter is called once for every finished turn.
type Reporter func(ev Event, res Result)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithStartHook sets the hook that runs before each turn starts.
func WithStartHook(fn StartFunc) SchedulerOption {
	return func(s *Scheduler) { s.onStart = fn }
}

// WithReporter sets the callback for finished turns.
func WithReporter(fn Reporter) SchedulerOption {
	return func(s *Scheduler) { s.report = fn }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerBus publishes supersede and completion events to bus.
func WithSchedulerBus(bus *events.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

// slot holds the registered turn of one conversation. Its mutex
// serializes Submit, Cancel and deregistration for that conversation.
type slot struct {
	mu   sync.Mutex
	turn *Turn
}

// Scheduler keeps at most one running turn per conversation. A new
// submit cancels the running turn and waits for it to exit before the
// next one may touch history.
type Scheduler struct {
	runner  Runner
	onStart StartFunc
	report  Reporter
	logger  *slog.Logger
	bus     *events.Bus

	base     context.Context
	stopBase context.CancelFunc

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler running turns with runner.
func NewScheduler(runner Runner, opts ...SchedulerOption) *Scheduler {
	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:   runner,
		base:     base,
		stopBase: stop,
		slots:    make(map[string]*slot),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// slotFor returns the slot of conversationID, creating it. Slots live
// as long as the scheduler so that every caller for a conversation
// locks the same mutex.
func (s *Scheduler) slotFor(conversationID string) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	sl, ok := s.slots[conversationID]
	if !ok {
		sl = &slot{}
		s.slots[conversationID] = sl
	}
	return sl, nil
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Submit starts a turn for ev in conversationID, first cancelling and
// joining any turn already running there. ctx bounds only the wait for
// the previous turn and the start hook; the new turn outlives it.
func (s *Scheduler) Submit(ctx context.Context, conversationID string, ev Event) error {
	sl, err := s.slotFor(conversationID)
	if err != nil {
		return err
	}
	ev.ConversationID = conversationID

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if prev := sl.turn; prev != nil {
		if err := s.join(ctx, prev); err != nil {
			return err
		}
		sl.turn = nil
	}

	if s.isClosed() {
		return ErrSchedulerClosed
	}
	if s.onStart != nil {
		if err := s.onStart(ctx, ev); err != nil {
			return fmt.Errorf("start turn: %w", err)
		}
	}

	turnCtx, cancel := context.WithCancel(s.base)
	turn := newTurn(conversationID, cancel)
	sl.turn = turn

	s.wg.Add(1)
	go s.run(turnCtx, sl, turn, ev)

	s.logger.Debug("turn started", "conversation_id", conversationID, "turn_id", turn.ID)
	return nil
}

// join cancels turn and waits for it to exit.
func (s *Scheduler) join(ctx context.Context, turn *Turn) error {
	turn.Cancel()
	select {
	case <-turn.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Debug("turn superseded", "conversation_id", turn.ConversationID, "turn_id", turn.ID)
	s.bus.Emit(events.SourceScheduler, events.KindTurnSuperseded, map[string]any{
		"turn_id":         turn.ID.String(),
		"conversation_id": turn.ConversationID,
	})
	return nil
}

func (s *Scheduler) run(ctx context.Context, sl *slot, turn *Turn, ev Event) {
	defer s.wg.Done()

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = s.runner.Run(ctx, turn, ev) })
	if r := pc.Recovered(); r != nil {
		s.logger.Error("turn panicked", "conversation_id", turn.ConversationID, "turn_id", turn.ID, "panic", r.String())
		err = r.AsError()
	}
	turn.cancel()

	status := turn.finish(err)
	res := turn.result()
	s.log(res)
	s.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"turn_id":         res.TurnID.String(),
		"conversation_id": res.ConversationID,
		"status":          status.String(),
		"iterations":      res.Iterations,
		"duration_ms":     res.Duration.Milliseconds(),
	})

	// Unblock a Submit waiting on this turn before taking the slot
	// lock it may hold.
	close(turn.done)

	sl.mu.Lock()
	if sl.turn == turn {
		sl.turn = nil
	}
	sl.mu.Unlock()

	if s.report != nil {
		s.report(ev, res)
	}
}

func (s *Scheduler) log(res Result) {
	log := s.logger.With("conversation_id", res.ConversationID, "turn_id", res.TurnID,
		"iterations", res.Iterations, "elapsed", res.Duration)
	switch res.Status {
	case StatusFailed:
		log.Error("turn failed", "error", res.Err)
	case StatusCancelled:
		log.Info("turn cancelled")
	default:
		log.Info("turn completed")
	}
}

// Cancel cancels and joins the running turn of conversationID, if any.
func (s *Scheduler) Cancel(ctx context.Context, conversationID string) error {
	sl, err := s.slotFor(conversationID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.turn == nil {
		return nil
	}
	if err := s.join(ctx, sl.turn); err != nil {
		return err
	}
	sl.turn = nil
	return nil
}

// Wait blocks until the running turn of conversationID, if any, exits.
func (s *Scheduler) Wait(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	sl, ok := s.slots[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sl.mu.Lock()
	turn := sl.turn
	sl.mu.Unlock()
	if turn == nil {
		return nil
	}
	select {
	case <-turn.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the conversations with a running turn, sorted.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	slots := make(map[string]*slot, len(s.slots))
	for id, sl := range s.slots {
		slots[id] = sl
	}
	s.mu.Unlock()

	var ids []string
	for id, sl := range slots {
		sl.mu.Lock()
		running := sl.turn != nil
		sl.mu.Unlock()
		if running {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close rejects new submits, cancels every running turn and waits for
// all of them to exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	for _, sl := range slots {
		sl.mu.Lock()
		if sl.turn != nil {
			sl.turn.Cancel()
		}
		sl.mu.Unlock()
	}
	s.stopBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("turns still running at shutdown"), ctx.Err())
	}
}
