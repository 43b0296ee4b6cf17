package player

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/syncvideo/internal/proto"
)

// fakeMpv answers the subset of mpv's IPC protocol the host uses.
type fakeMpv struct {
	t  *testing.T
	ln net.Listener

	mu        sync.Mutex
	props     map[string]any
	observers map[net.Conn]map[string]int
}

func newFakeMpv(t *testing.T) (*fakeMpv, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "mpv.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	f := &fakeMpv{
		t:  t,
		ln: ln,
		props: map[string]any{
			"idle-active": true,
			"pause":       false,
			"speed":       1.0,
		},
		observers: make(map[net.Conn]map[string]int),
	}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f, sock
}

func (f *fakeMpv) serve() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(c)
	}
}

func (f *fakeMpv) handle(c net.Conn) {
	defer func() {
		f.mu.Lock()
		delete(f.observers, c)
		f.mu.Unlock()
		_ = c.Close()
	}()
	sc := bufio.NewScanner(c)
	for sc.Scan() {
		var cmd mpvCommand
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			continue
		}
		f.exec(c, cmd)
	}
}

func (f *fakeMpv) write(c net.Conn, v any) {
	b, _ := json.Marshal(v)
	_, _ = c.Write(append(b, '\n'))
}

func (f *fakeMpv) reply(c net.Conn, id int, data any, errStr string) {
	f.write(c, map[string]any{"request_id": id, "data": data, "error": errStr})
}

func (f *fakeMpv) exec(c net.Conn, cmd mpvCommand) {
	name, _ := cmd.Command[0].(string)
	switch name {
	case "get_property":
		prop := cmd.Command[1].(string)
		f.mu.Lock()
		v, ok := f.props[prop]
		f.mu.Unlock()
		if !ok {
			f.reply(c, cmd.RequestID, nil, "property unavailable")
			return
		}
		f.reply(c, cmd.RequestID, v, "success")
	case "set_property":
		f.set(cmd.Command[1].(string), cmd.Command[2])
		f.reply(c, cmd.RequestID, nil, "success")
	case "seek":
		f.mu.Lock()
		f.props["time-pos"] = cmd.Command[1]
		f.mu.Unlock()
		f.reply(c, cmd.RequestID, nil, "success")
		f.event(map[string]any{"event": "seek"})
	case "loadfile":
		f.mu.Lock()
		f.props["idle-active"] = false
		f.props["time-pos"] = 0.0
		f.mu.Unlock()
		f.set("path", cmd.Command[1])
		f.reply(c, cmd.RequestID, nil, "success")
	case "observe_property":
		id := int(cmd.Command[1].(float64))
		prop := cmd.Command[2].(string)
		f.mu.Lock()
		if f.observers[c] == nil {
			f.observers[c] = make(map[string]int)
		}
		f.observers[c][prop] = id
		v := f.props[prop]
		f.mu.Unlock()
		f.write(c, map[string]any{"event": "property-change", "id": id, "name": prop, "data": v})
	default:
		f.reply(c, cmd.RequestID, nil, "invalid parameter")
	}
}

// set changes a property as if the user did it in mpv.
func (f *fakeMpv) set(prop string, v any) {
	f.mu.Lock()
	f.props[prop] = v
	type target struct {
		c  net.Conn
		id int
	}
	var ts []target
	for c, obs := range f.observers {
		if id, ok := obs[prop]; ok {
			ts = append(ts, target{c, id})
		}
	}
	f.mu.Unlock()
	for _, t := range ts {
		f.write(t.c, map[string]any{"event": "property-change", "id": t.id, "name": prop, "data": v})
	}
}

func (f *fakeMpv) event(ev map[string]any) {
	f.mu.Lock()
	var cs []net.Conn
	for c := range f.observers {
		cs = append(cs, c)
	}
	f.mu.Unlock()
	for _, c := range cs {
		f.write(c, ev)
	}
}

func (f *fakeMpv) get(prop string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props[prop]
}

func (f *fakeMpv) observing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obs := range f.observers {
		if len(obs) == len(observed) {
			return true
		}
	}
	return false
}

func TestMpvIdleIsStopped(t *testing.T) {
	_, sock := newFakeMpv(t)
	p := NewMpv(Options{Socket: sock})

	st, err := p.PlayState()
	require.NoError(t, err)
	require.Equal(t, proto.Stopped, st)

	pos, err := p.Position()
	require.NoError(t, err)
	require.Zero(t, pos)
	require.Empty(t, p.CurrentFile())
}

func TestMpvPlayStateMapping(t *testing.T) {
	fake, sock := newFakeMpv(t)
	p := NewMpv(Options{Socket: sock})
	require.NoError(t, p.Open("/videos/a.mkv"))
	require.Equal(t, "/videos/a.mkv", p.CurrentFile())

	cases := []struct {
		set   proto.PlayState
		pause bool
		speed float64
		read  proto.PlayState
	}{
		{proto.Playing, false, 1, proto.Playing},
		{proto.ScanForward, false, scanSpeed, proto.ScanForward},
		{proto.Playing, false, 1, proto.Playing},
		{proto.Paused, true, 1, proto.Paused},
		{proto.ScanReverse, true, 1, proto.Paused},
	}
	for _, c := range cases {
		require.NoError(t, p.SetPlayState(c.set), c.set.String())
		require.Equal(t, c.pause, fake.get("pause"), c.set.String())
		require.Equal(t, c.speed, fake.get("speed"), c.set.String())
		st, err := p.PlayState()
		require.NoError(t, err)
		require.Equal(t, c.read, st, c.set.String())
	}

	require.NoError(t, p.SetPosition(90))
	require.NoError(t, p.SetPlayState(proto.Stopped))
	require.Equal(t, true, fake.get("pause"))
	pos, err := p.Position()
	require.NoError(t, err)
	require.Zero(t, pos)

	require.Error(t, p.SetPlayState(proto.PlayState(0)))
}

func TestMpvSetPosition(t *testing.T) {
	_, sock := newFakeMpv(t)
	p := NewMpv(Options{Socket: sock})
	require.NoError(t, p.Open("/videos/a.mkv"))
	require.NoError(t, p.SetPosition(42.5))
	pos, err := p.Position()
	require.NoError(t, err)
	require.Equal(t, 42.5, pos)
}

func TestMpvWatcherReportsChanges(t *testing.T) {
	fake, sock := newFakeMpv(t)
	p := NewMpv(Options{Socket: sock})

	var changes atomic.Int32
	p.OnChange(func() { changes.Add(1) })

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	require.Eventually(t, fake.observing, 2*time.Second, 5*time.Millisecond)

	// the initial property reports are not changes
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, changes.Load())

	fake.set("pause", true)
	require.Eventually(t, func() bool { return changes.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.SetPosition(10))
	require.Eventually(t, func() bool { return changes.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMpvStartNeedsSocket(t *testing.T) {
	require.Error(t, NewMpv(Options{}).Start(context.Background()))
}

func TestMpvUnreachable(t *testing.T) {
	p := NewMpv(Options{Socket: filepath.Join(t.TempDir(), "none.sock")})
	_, err := p.PlayState()
	require.Error(t, err)
	require.Empty(t, p.CurrentFile())
}
