package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/syncvideo/internal/proto"
)

// scanRate is how fast the position moves while scanning.
const scanRate = 4

// MemoryHost is an in-process player. The position advances with the wall
// clock while playing or scanning.
type MemoryHost struct {
	mu        sync.Mutex
	state     proto.PlayState
	pos       float64
	since     time.Time
	file      string
	listeners []func()

	now func() time.Time
}

func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		state: proto.Stopped,
		now:   time.Now,
		since: time.Now(),
	}
}

func rate(s proto.PlayState) float64 {
	switch s {
	case proto.Playing:
		return 1
	case proto.ScanForward:
		return scanRate
	case proto.ScanReverse:
		return -scanRate
	default:
		return 0
	}
}

// positionLocked folds elapsed time into the position.
func (h *MemoryHost) positionLocked() float64 {
	now := h.now()
	p := h.pos + rate(h.state)*now.Sub(h.since).Seconds()
	if p < 0 {
		p = 0
	}
	h.pos, h.since = p, now
	return p
}

func (h *MemoryHost) PlayState() (proto.PlayState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, nil
}

func (h *MemoryHost) SetPlayState(state proto.PlayState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid play state %d", int(state))
	}
	h.mu.Lock()
	h.positionLocked()
	h.state = state
	if state == proto.Stopped {
		h.pos = 0
	}
	h.mu.Unlock()
	h.notify()
	return nil
}

func (h *MemoryHost) Position() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionLocked(), nil
}

func (h *MemoryHost) SetPosition(seconds float64) error {
	if seconds < 0 {
		seconds = 0
	}
	h.mu.Lock()
	h.pos, h.since = seconds, h.now()
	h.mu.Unlock()
	h.notify()
	return nil
}

func (h *MemoryHost) CurrentFile() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file
}

func (h *MemoryHost) Open(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	h.mu.Lock()
	h.file = path
	h.pos, h.since = 0, h.now()
	h.mu.Unlock()
	h.notify()
	return nil
}

func (h *MemoryHost) OnChange(fn func()) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *MemoryHost) notify() {
	h.mu.Lock()
	ls := append([]func(){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}
