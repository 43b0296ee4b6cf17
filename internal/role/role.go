// Package role holds the lifecycle shared by the hub and follower roles.
package role

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/petervdpas/syncvideo/internal/playback"
)

// State is the lifecycle state of a role.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Base runs a role's goroutines under one context. Start and Stop are
// idempotent; Stop returns only after every goroutine started through the
// Base has returned.
//
// Owned goroutines must release their own transports when the context is
// cancelled (context.AfterFunc works well), and must never call Stop.
type Base struct {
	ec playback.ExecutionContext

	life sync.Mutex // serialises Start and Stop

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

func NewBase(ec playback.ExecutionContext) *Base {
	return &Base{ec: ec}
}

// ExecutionContext returns the local player bridge.
func (b *Base) ExecutionContext() playback.ExecutionContext { return b.ec }

// Start moves Stopped to Running and runs main on its own goroutine. It
// returns false when the role was already running.
func (b *Base) Start(main func(ctx context.Context)) bool {
	b.life.Lock()
	defer b.life.Unlock()

	b.mu.Lock()
	if b.state == Running {
		b.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.ctx, b.cancel = ctx, cancel
	b.state = Running
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		main(ctx)
	}()
	return true
}

// Stop cancels the role and waits for its goroutines. It returns false
// when the role was not running.
func (b *Base) Stop() bool {
	b.life.Lock()
	defer b.life.Unlock()

	b.mu.Lock()
	if b.state == Stopped {
		b.mu.Unlock()
		return false
	}
	b.state = Stopped
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	return true
}

// Go runs fn on a goroutine that Stop waits for. It returns false, without
// running fn, when the role is not running.
func (b *Base) Go(fn func(ctx context.Context)) bool {
	b.mu.Lock()
	if b.state != Running {
		b.mu.Unlock()
		return false
	}
	ctx := b.ctx
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
	return true
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) Running() bool { return b.State() == Running }

// Logf writes a formatted line to the Log sink.
func (b *Base) Logf(format string, args ...any) {
	b.ec.Log(fmt.Sprintf(format, args...))
}

// Countdown logs "Retrying in:" followed by the remaining whole seconds,
// one line per step, and waits d in total. It returns false as soon as ctx
// is cancelled.
func (b *Base) Countdown(ctx context.Context, d time.Duration) bool {
	steps := int(math.Ceil(d.Seconds()))
	if steps < 1 {
		steps = 1
	}
	step := d / time.Duration(steps)

	b.Logf("Retrying in:")
	for remaining := steps; remaining > 0; remaining-- {
		b.Logf("%d", remaining)
		if !Sleep(ctx, step) {
			return false
		}
	}
	return true
}

// Sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
