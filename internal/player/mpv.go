// Package player binds the sync roles to a real media player. Mpv drives
// mpv through its JSON IPC socket.
package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syncvideo/internal/proto"
)

var log = logging.Logger("player")

const (
	socketCheckRetries  = 20
	socketCheckInterval = 100 * time.Millisecond
	commandTimeout      = 2 * time.Second
	watchRetryDelay     = time.Second

	// scanSpeed is the playback speed used for ScanForward.
	scanSpeed = 4.0
)

// ErrUnavailable is returned when mpv has no value for a property, for
// example time-pos while idle.
var ErrUnavailable = errors.New("property unavailable")

type mpvCommand struct {
	Command   []any `json:"command"`
	RequestID int   `json:"request_id,omitempty"`
}

type mpvResponse struct {
	Error     string `json:"error"`
	Data      any    `json:"data"`
	RequestID int    `json:"request_id"`
	Event     string `json:"event"`
	ID        int    `json:"id"`
	Name      string `json:"name"`
}

// Options configures an Mpv host.
type Options struct {
	Socket string // path of mpv's --input-ipc-server socket
	Binary string // mpv executable, used when Spawn is set
	Spawn  bool   // start mpv ourselves instead of attaching to a running one
}

// Mpv is a playback.Host backed by an mpv process.
type Mpv struct {
	opts Options

	mu    sync.Mutex // guards cmd and reqID
	cmd   *exec.Cmd
	reqID int

	lmu       sync.Mutex
	listeners []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMpv(opts Options) *Mpv {
	if opts.Binary == "" {
		opts.Binary = "mpv"
	}
	return &Mpv{opts: opts}
}

// Start spawns mpv if configured and begins watching it for changes.
func (p *Mpv) Start(ctx context.Context) error {
	if p.opts.Socket == "" {
		return errors.New("mpv socket path is empty")
	}
	if p.opts.Spawn {
		if err := p.spawn(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.watchLoop(ctx)
	}()
	return nil
}

func (p *Mpv) spawn() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return nil
	}
	_ = os.Remove(p.opts.Socket)

	log.Infof("starting %s", p.opts.Binary)
	p.cmd = exec.Command(p.opts.Binary,
		"--idle",
		"--input-ipc-server="+p.opts.Socket,
		"--force-window",
	)
	if err := p.cmd.Start(); err != nil {
		p.cmd = nil
		return fmt.Errorf("could not start mpv process: %w", err)
	}
	go func(c *exec.Cmd) { _ = c.Wait() }(p.cmd)

	for range socketCheckRetries {
		if _, err := os.Stat(p.opts.Socket); err == nil {
			return nil
		}
		time.Sleep(socketCheckInterval)
	}
	_ = p.cmd.Process.Kill()
	p.cmd = nil
	return fmt.Errorf("mpv started but socket did not appear at %s", p.opts.Socket)
}

// Close stops watching and, if we spawned mpv, terminates it.
func (p *Mpv) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			log.Warnf("terminate mpv: %v", err)
		}
		p.cmd = nil
		_ = os.Remove(p.opts.Socket)
	}
	return nil
}

// send runs cmds on a fresh IPC connection and returns their responses in
// order.
func (p *Mpv) send(cmds ...[]any) ([]mpvResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := net.DialTimeout("unix", p.opts.Socket, commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect to mpv socket: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(commandTimeout))

	index := make(map[int]int, len(cmds))
	enc := json.NewEncoder(conn)
	for i, c := range cmds {
		p.reqID++
		index[p.reqID] = i
		if err := enc.Encode(mpvCommand{Command: c, RequestID: p.reqID}); err != nil {
			return nil, fmt.Errorf("send mpv command: %w", err)
		}
	}

	out := make([]mpvResponse, len(cmds))
	got := 0
	sc := bufio.NewScanner(conn)
	for got < len(cmds) && sc.Scan() {
		var resp mpvResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			log.Debugf("unparsable mpv line %q: %v", sc.Text(), err)
			continue
		}
		i, ok := index[resp.RequestID]
		if resp.Event != "" || !ok {
			continue
		}
		out[i] = resp
		got++
	}
	if got < len(cmds) {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read mpv response: %w", err)
		}
		return nil, errors.New("mpv closed the connection")
	}
	return out, nil
}

// do runs cmds and fails on the first unsuccessful response.
func (p *Mpv) do(cmds ...[]any) error {
	resps, err := p.send(cmds...)
	if err != nil {
		return err
	}
	for i, r := range resps {
		if r.Error != "success" {
			return fmt.Errorf("mpv %v: %s", cmds[i][0], r.Error)
		}
	}
	return nil
}

func (p *Mpv) property(name string) (any, error) {
	resps, err := p.send([]any{"get_property", name})
	if err != nil {
		return nil, err
	}
	if resps[0].Error == "property unavailable" {
		return nil, ErrUnavailable
	}
	if resps[0].Error != "success" {
		return nil, fmt.Errorf("mpv get %s: %s", name, resps[0].Error)
	}
	return resps[0].Data, nil
}

func (p *Mpv) PlayState() (proto.PlayState, error) {
	resps, err := p.send(
		[]any{"get_property", "idle-active"},
		[]any{"get_property", "pause"},
		[]any{"get_property", "speed"},
	)
	if err != nil {
		return 0, err
	}
	if idle, _ := resps[0].Data.(bool); idle {
		return proto.Stopped, nil
	}
	if paused, _ := resps[1].Data.(bool); paused {
		return proto.Paused, nil
	}
	if speed, _ := resps[2].Data.(float64); speed > 1 {
		return proto.ScanForward, nil
	}
	return proto.Playing, nil
}

// SetPlayState maps the sync states onto mpv. mpv cannot play backwards,
// so ScanReverse pauses.
func (p *Mpv) SetPlayState(state proto.PlayState) error {
	switch state {
	case proto.Playing:
		return p.do(
			[]any{"set_property", "pause", false},
			[]any{"set_property", "speed", 1.0},
		)
	case proto.Paused, proto.ScanReverse:
		return p.do([]any{"set_property", "pause", true})
	case proto.Stopped:
		return p.do(
			[]any{"set_property", "pause", true},
			[]any{"seek", 0, "absolute"},
		)
	case proto.ScanForward:
		return p.do(
			[]any{"set_property", "pause", false},
			[]any{"set_property", "speed", scanSpeed},
		)
	default:
		return fmt.Errorf("invalid play state %d", int(state))
	}
}

func (p *Mpv) Position() (float64, error) {
	v, err := p.property("time-pos")
	if errors.Is(err, ErrUnavailable) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pos, _ := v.(float64)
	return pos, nil
}

func (p *Mpv) SetPosition(seconds float64) error {
	return p.do([]any{"seek", seconds, "absolute"})
}

func (p *Mpv) CurrentFile() string {
	v, err := p.property("path")
	if err != nil {
		return ""
	}
	path, _ := v.(string)
	return path
}

func (p *Mpv) Open(path string) error {
	return p.do([]any{"loadfile", path, "replace"})
}

func (p *Mpv) OnChange(fn func()) {
	p.lmu.Lock()
	p.listeners = append(p.listeners, fn)
	p.lmu.Unlock()
}

func (p *Mpv) notify() {
	p.lmu.Lock()
	ls := append([]func(){}, p.listeners...)
	p.lmu.Unlock()
	for _, fn := range ls {
		fn()
	}
}
