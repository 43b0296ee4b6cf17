package playback

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syncvideo/internal/proto"
	"github.com/petervdpas/syncvideo/internal/util"
)

var log = logging.Logger("playback")

// DefaultEchoWindow is how long host notifications stay suppressed after
// one of our own setters returns.
const DefaultEchoWindow = 300 * time.Millisecond

// Context implements ExecutionContext over a Host.
//
// Setters run under a change-expected guard so that the host notifying us
// about a change we made does not start another sync round. The guard stays
// up for the echo window after the setter returns since players usually
// report changes asynchronously.
type Context struct {
	host   Host
	out    io.Writer
	window time.Duration
	now    func() time.Time

	mu         sync.Mutex
	pending    int
	quietUntil time.Time
	onChange   func()

	outMu sync.Mutex
}

// NewContext wires host to a Log sink. A window <= 0 disables the echo
// window; the guard then only covers the setter call itself.
func NewContext(host Host, out io.Writer, window time.Duration) *Context {
	c := &Context{
		host:   host,
		out:    out,
		window: window,
		now:    time.Now,
	}
	host.OnChange(c.HostChanged)
	return c
}

// Host returns the wrapped player.
func (c *Context) Host() Host { return c.host }

// SetChangeHandler sets the function called for host changes we did not
// cause. Passing nil removes it.
func (c *Context) SetChangeHandler(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// HostChanged is the host's notification entry point.
func (c *Context) HostChanged() {
	c.mu.Lock()
	if c.expectedLocked() {
		c.mu.Unlock()
		log.Debug("suppressed host change notification")
		return
	}
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Context) expectedLocked() bool {
	return c.pending > 0 || c.now().Before(c.quietUntil)
}

func (c *Context) expectChange() func() {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.pending--
		if until := c.now().Add(c.window); until.After(c.quietUntil) {
			c.quietUntil = until
		}
		c.mu.Unlock()
	}
}

func (c *Context) SetPlayState(state proto.PlayState) {
	done := c.expectChange()
	defer done()
	if err := c.host.SetPlayState(state); err != nil {
		c.Log(fmt.Sprintf("Failed to set play state %s: %v", state, err))
	}
}

func (c *Context) SetPosition(seconds float64) {
	done := c.expectChange()
	defer done()
	if err := c.host.SetPosition(seconds); err != nil {
		c.Log(fmt.Sprintf("Failed to set position %.2f: %v", seconds, err))
	}
}

// CurrentState reads the host. A host that cannot answer reads as Stopped
// at position 0.
func (c *Context) CurrentState() proto.StateSync {
	state, err := c.host.PlayState()
	if err != nil {
		log.Debugf("read play state: %v", err)
		return proto.StateSync{State: proto.Stopped}
	}
	pos, err := c.host.Position()
	if err != nil {
		log.Debugf("read position: %v", err)
		pos = 0
	}
	return proto.StateSync{State: state, Position: pos}
}

// AttemptPlayFile opens the file called name next to the current file, if
// there is one. Anything else is a silent no-op.
func (c *Context) AttemptPlayFile(name string) {
	c.Log("Attempting to sync play file: " + name)

	cur := c.host.CurrentFile()
	if cur == "" {
		return
	}
	if strings.EqualFold(filepath.Base(cur), name) {
		return
	}
	if err := util.ValidateFileName(name); err != nil {
		c.Log(fmt.Sprintf("Ignoring play file %q: %v", name, err))
		return
	}

	dir := filepath.Dir(cur)
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Debugf("read dir %s: %v", dir, err)
		return
	}
	for _, e := range entries {
		if e.Name() != name || !e.Type().IsRegular() {
			continue
		}
		done := c.expectChange()
		defer done()
		if err := c.host.Open(filepath.Join(dir, name)); err != nil {
			c.Log(fmt.Sprintf("Failed to open %s: %v", name, err))
		}
		return
	}
}

// OpenFile opens path in the player as a local user action. The host's
// change notification for it is suppressed; callers announce the new file
// themselves.
func (c *Context) OpenFile(path string) error {
	done := c.expectChange()
	defer done()
	return c.host.Open(path)
}

// Log writes one line to the Log sink.
func (c *Context) Log(line string) {
	log.Debug(line)
	if c.out == nil {
		return
	}
	c.outMu.Lock()
	_, _ = io.WriteString(c.out, line+"\n")
	c.outMu.Unlock()
}
