package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/database"
	"github.com/nugget/parley/internal/gateway"
	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/vectormem"
)

const askConversation = "cli"

// runAsk runs a single turn for the message in args against the
// configured backend and prints what the agent sends. History is kept
// in memory; vector memories go to the configured database so recall
// can be tried out from the command line.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout carries only the agent's replies.
	logger := configuredLogger(stderr, cfg)

	db, err := database.Open(ctx, cfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	be := newBackend(cfg, logger)
	store := history.NewMemStore()
	loop := agent.NewLoop(agent.Config{
		History: store,
		Model:   be.decider,
		Dispatcher: &tools.Dispatcher{
			Memory: vectormem.New(db, be.embedder, logger),
			Images: be.images,
			Speech: be.speech,
			Logger: logger,
		},
		Prompt:        agent.NewChannelProvider(cfg.Agent.BotUserID, cfg.Agent.ServerName),
		MaxIterations: cfg.Agent.MaxIterations,
		TurnTimeout:   cfg.Agent.TurnTimeout,
		Logger:        logger,
	})

	results := make(chan agent.Result, 1)
	sched := agent.NewScheduler(loop,
		agent.WithStartHook(gateway.PersistInbound(store)),
		agent.WithReporter(func(_ agent.Event, res agent.Result) { results <- res }),
		agent.WithSchedulerLogger(logger),
	)
	defer sched.Close(context.Background())

	content, err := gateway.UserMessageJSON(gateway.MessageCreate{
		ChannelID: askConversation,
		Author:    gateway.Author{ID: askConversation, Name: "cli"},
		Content:   strings.Join(args, " "),
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	ev := agent.Event{
		GuildID:     askConversation,
		ChannelName: askConversation,
		Inbound:     &history.Entry{Role: history.RoleUser, Content: content, CreatedAt: time.Now()},
		Surface:     &stdoutSurface{w: stdout, logger: logger},
	}
	if err := sched.Submit(ctx, askConversation, ev); err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	select {
	case res := <-results:
		switch {
		case res.Status == agent.StatusCompleted:
			return nil
		case res.Err != nil:
			return fmt.Errorf("ask: turn %s: %w", res.Status, res.Err)
		default:
			return fmt.Errorf("ask: turn %s", res.Status)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stdoutSurface prints a turn's side effects.
type stdoutSurface struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

var _ tools.Surface = (*stdoutSurface)(nil)

func (s *stdoutSurface) Reply(_ context.Context, text, reasoning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reasoning != "" {
		s.logger.Debug("reasoning", "text", reasoning)
	}
	_, err := fmt.Fprintln(s.w, text)
	return err
}

func (s *stdoutSurface) ReplyVoice(ctx context.Context, audio []byte, transcript, reasoning string) error {
	s.logger.Info("voice reply", "bytes", len(audio))
	return s.Reply(ctx, "[voice] "+transcript, reasoning)
}

func (s *stdoutSurface) React(_ context.Context, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "[reaction] %s\n", emoji)
	return err
}

func (s *stdoutSurface) Announce(_ context.Context, tool tools.Kind, reasoning string) error {
	s.logger.Info("tool call", "tool", tool, "reasoning", reasoning)
	return nil
}
