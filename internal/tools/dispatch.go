package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Memory is long-term recall scoped to a guild.
type Memory interface {
	Insert(ctx context.Context, guildID, text string) (string, error)
	Retrieve(ctx context.Context, guildID, query string) (string, error)
}

// ImageGenerator turns a prompt into an image URL.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// SpeechSynthesizer turns text into WAV audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Surface delivers side effects to the conversation the turn belongs
// to. Implementations truncate oversized text at this boundary.
type Surface interface {
	Reply(ctx context.Context, text, reasoning string) error
	ReplyVoice(ctx context.Context, audio []byte, transcript, reasoning string) error
	React(ctx context.Context, emoji string) error
	// Announce tells observers that a non-reply tool is being called.
	Announce(ctx context.Context, tool Kind, reasoning string) error
}

// Conversation is what a dispatch needs to know about the turn it
// serves.
type Conversation struct {
	ID        string
	GuildID   string
	Reasoning string
	Surface   Surface
}

// Dispatcher executes tool calls. It holds no state besides its
// capabilities, any of which may be nil; calling a tool whose
// capability is missing yields an error outcome.
type Dispatcher struct {
	Memory Memory
	Images ImageGenerator
	Speech SpeechSynthesizer
	// Roll returns a value in [1, sides]. Defaults to math/rand.
	Roll   func(sides int) int
	Logger *slog.Logger
}

// sentMessage is the content fed back after a send_message that asks
// for another tool call.
const sentMessage = "Message sent."

// Dispatch validates args and executes the call. It never returns an
// error: every failure is an OutcomeError the model gets to see.
func (d *Dispatcher) Dispatch(ctx context.Context, args *ToolArgs, conv Conversation) Outcome {
	if args == nil {
		return Failed("", ErrToolNotFound)
	}
	call, err := args.Call()
	if err != nil {
		return Failed(args.Type, err)
	}

	start := time.Now()
	out := d.execute(ctx, call, conv)
	d.logger().Debug("tool dispatched",
		"conversation_id", conv.ID,
		"tool", call.Kind(),
		"outcome", out.Kind.String(),
		"elapsed", time.Since(start),
	)
	return out
}

func (d *Dispatcher) execute(ctx context.Context, call Call, conv Conversation) Outcome {
	kind := call.Kind()
	if conv.Surface == nil {
		return Failed(kind, &ToolExecutionError{Tool: kind, Err: errors.New("no conversation surface")})
	}

	switch c := call.(type) {
	case *SendMessage:
		if err := conv.Surface.Reply(ctx, c.Content, conv.Reasoning); err != nil {
			return failed(kind, err)
		}
		if c.CallAnotherTool {
			return Continue(kind, sentMessage)
		}
		return Terminal(kind)

	case *SendVoiceMessage:
		if d.Speech == nil {
			return unavailable(kind)
		}
		audio, err := d.Speech.Synthesize(ctx, c.Content)
		if err != nil || len(audio) == 0 {
			d.logger().Warn("speech synthesis failed", "conversation_id", conv.ID, "error", err)
			return Failed(kind, ErrVoiceFailed)
		}
		if err := conv.Surface.ReplyVoice(ctx, audio, c.Content, conv.Reasoning); err != nil {
			return failed(kind, err)
		}
		return Terminal(kind)

	case *MemoryInsert:
		if d.Memory == nil {
			return unavailable(kind)
		}
		d.announce(ctx, kind, conv)
		res, err := d.Memory.Insert(ctx, conv.GuildID, c.Memory)
		if err != nil {
			return failed(kind, err)
		}
		return Continue(kind, res)

	case *MemoryRetrieve:
		if d.Memory == nil {
			return unavailable(kind)
		}
		d.announce(ctx, kind, conv)
		res, err := d.Memory.Retrieve(ctx, conv.GuildID, c.Memory)
		if err != nil {
			return failed(kind, err)
		}
		return Continue(kind, res)

	case *DiceRoll:
		d.announce(ctx, kind, conv)
		if c.Sides < 1 {
			return Failed(kind, fmt.Errorf("a dice needs at least 1 side, got %d", c.Sides))
		}
		return Continue(kind, d.roll(c.Sides))

	case *AddReaction:
		d.announce(ctx, kind, conv)
		if err := conv.Surface.React(ctx, c.Emoji); err != nil {
			return failed(kind, err)
		}
		return Continue(kind, "Reaction added.")

	case *GenerateImage:
		if d.Images == nil {
			return unavailable(kind)
		}
		d.announce(ctx, kind, conv)
		url, err := d.Images.Generate(ctx, c.Prompt)
		if err != nil {
			return failed(kind, err)
		}
		return Continue(kind, url)
	}

	return Failed(kind, ErrToolNotFound)
}

func (d *Dispatcher) announce(ctx context.Context, kind Kind, conv Conversation) {
	if err := conv.Surface.Announce(ctx, kind, conv.Reasoning); err != nil {
		d.logger().Debug("tool announcement failed", "tool", kind, "error", err)
	}
}

func (d *Dispatcher) roll(sides int) int {
	if d.Roll != nil {
		return d.Roll(sides)
	}
	return rand.IntN(sides) + 1
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func failed(kind Kind, err error) Outcome {
	return Failed(kind, &ToolExecutionError{Tool: kind, Err: err})
}

func unavailable(kind Kind) Outcome {
	return failed(kind, fmt.Errorf("%s is not available", kind))
}
