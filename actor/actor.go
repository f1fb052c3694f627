package actor

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// Handler processes one message. It runs on the actor's loop goroutine only.
type Handler[T any] func(ctx context.Context, msg T)

// Actor couples a Mailbox with the single loop goroutine that drains it.
type Actor[T any] struct {
	mailbox *Mailbox[T]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// SpawnOption configures an Actor at Spawn time.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	onStop func()
	logger *slog.Logger
}

// OnStop registers a function that runs on the loop goroutine after the last message was processed.
// It is the place to release resources owned by loop state.
func OnStop(f func()) SpawnOption {
	return func(c *spawnConfig) {
		c.onStop = f
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *slog.Logger) SpawnOption {
	return func(c *spawnConfig) {
		c.logger = logger
	}
}

// Spawn starts the processing loop. The loop ends when parent is done or Stop is called.
func Spawn[T any](parent context.Context, handle Handler[T], options ...SpawnOption) *Actor[T] {
	cfg := spawnConfig{logger: slog.Default()}
	for _, option := range options {
		option(&cfg)
	}

	ctx, cancel := context.WithCancel(parent)

	a := &Actor[T]{
		mailbox: NewMailbox[T](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go a.loop(handle, cfg)

	return a
}

func (a *Actor[T]) loop(handle Handler[T], cfg spawnConfig) {
	defer close(a.done)
	defer a.mailbox.Close()

	if cfg.onStop != nil {
		defer cfg.onStop()
	}

	for {
		msg, err := a.mailbox.Receive(a.ctx)
		if err != nil {
			return
		}

		a.safeHandle(handle, msg, cfg.logger)
	}
}

// safeHandle keeps the loop alive when a handler panics.
func (a *Actor[T]) safeHandle(handle Handler[T], msg T, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("actor handler panicked", slog.Any("recovered", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	handle(a.ctx, msg)
}

// Post enqueues msg without blocking. It reports false once the actor has stopped.
func (a *Actor[T]) Post(msg T) bool {
	if a.ctx.Err() != nil {
		return false
	}

	return a.mailbox.Post(msg)
}

// Send enqueues msg, honoring ctx, and fails with ErrMailboxClosed once the actor has stopped.
func (a *Actor[T]) Send(ctx context.Context, msg T) error {
	if a.ctx.Err() != nil {
		return ErrMailboxClosed
	}

	return a.mailbox.Send(ctx, msg)
}

// Context returns the actor's cancellation context. It is done once Stop was called.
func (a *Actor[T]) Context() context.Context {
	return a.ctx
}

// Done is closed when the loop has exited.
func (a *Actor[T]) Done() <-chan struct{} {
	return a.done
}

// Cancel signals the loop to stop without waiting for it.
func (a *Actor[T]) Cancel() {
	a.cancel()
}

// Stop signals cancellation and waits until the loop has exited.
// The message being processed, if any, finishes first. Stop must not be called from the loop itself.
func (a *Actor[T]) Stop() {
	a.cancel()
	<-a.done
}
