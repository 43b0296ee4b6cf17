package hub

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/syncvideo/internal/playback"
	"github.com/petervdpas/syncvideo/internal/proto"
)

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		l.lines = append(l.lines, s)
	}
	return len(p), nil
}

func (l *lineLog) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.lines {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

type fixture struct {
	hub  *Hub
	host *playback.MemoryHost
	log  *lineLog
}

func startHub(t *testing.T, opts Options) *fixture {
	t.Helper()
	host := playback.NewMemoryHost()
	out := &lineLog{}
	ec := playback.NewContext(host, out, 0)
	if opts.Port == 0 {
		opts.Port = -1
	}
	h := New(ec, opts)
	h.Start()
	t.Cleanup(h.Stop)

	require.Eventually(t, func() bool { return h.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	return &fixture{hub: h, host: host, log: out}
}

type peer struct {
	t     *testing.T
	conn  net.Conn
	codec proto.Codec
}

func (f *fixture) connect(t *testing.T) *peer {
	t.Helper()
	_, port, err := net.SplitHostPort(f.hub.Addr().String())
	require.NoError(t, err)
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn, codec: f.hub.opts.Codec}
}

func (p *peer) send(m proto.HubBound) {
	p.t.Helper()
	body, err := proto.EncodeHubBound(p.codec, m)
	require.NoError(p.t, err)
	require.NoError(p.t, proto.WriteFrame(p.conn, body))
}

// next returns the next non-heartbeat message.
func (p *peer) next() proto.FollowerBound {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		body, err := proto.ReadFrame(p.conn)
		require.NoError(p.t, err)
		m, err := proto.DecodeFollowerBound(p.codec, body)
		require.NoError(p.t, err)
		if _, ok := m.(proto.Heartbeat); ok {
			continue
		}
		return m
	}
}

func (f *fixture) waitFollowers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.hub.Followers()) == n }, 3*time.Second, 5*time.Millisecond)
}

// brokenConn fails every write, as a follower whose socket went away does.
type brokenConn struct {
	net.Conn
}

func (brokenConn) Write([]byte) (int, error) {
	return 0, errors.New("write: broken pipe")
}

// firstBrokenListener hands out a brokenConn for the first accepted
// connection and plain connections after that.
type firstBrokenListener struct {
	net.Listener
	once sync.Once
}

func (l *firstBrokenListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	broken := false
	l.once.Do(func() { broken = true })
	if broken {
		return brokenConn{c}, nil
	}
	return c, nil
}

func TestBroadcastSurvivesFailedFollower(t *testing.T) {
	f := startHub(t, Options{
		HeartbeatInterval: time.Hour,
		Listen: func(int) (net.Listener, error) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return nil, err
			}
			return &firstBrokenListener{Listener: ln}, nil
		},
	})
	f.connect(t)
	f.waitFollowers(t, 1)
	b := f.connect(t)
	f.waitFollowers(t, 2)

	want := proto.StateSync{State: proto.Playing, Position: 5}
	f.hub.PropagateMessage(want)
	require.Equal(t, want, b.next())

	st, _ := f.host.PlayState()
	require.Equal(t, proto.Playing, st, "message is applied locally first")

	f.waitFollowers(t, 1)
	require.Equal(t, 1, f.log.count("propagation failed to"))

	// the survivor keeps receiving
	next := proto.PlayFile{FileName: "after.mkv"}
	f.hub.PropagateMessage(next)
	require.Equal(t, next, b.next())
}

func TestSequentialBroadcastsKeepOrder(t *testing.T) {
	f := startHub(t, Options{QueueSize: 4096, HeartbeatInterval: time.Hour})
	a := f.connect(t)
	b := f.connect(t)
	f.waitFollowers(t, 2)

	const n = 500
	for i := 0; i < n; i++ {
		f.hub.PropagateMessage(proto.PlayFile{FileName: fmt.Sprintf("%04d.mkv", i)})
	}
	for _, p := range []*peer{a, b} {
		for i := 0; i < n; i++ {
			require.Equal(t, proto.PlayFile{FileName: fmt.Sprintf("%04d.mkv", i)}, p.next())
		}
	}
	require.Zero(t, f.log.count("dropped frame"))
}

func TestPropagateNilSendsLiveState(t *testing.T) {
	f := startHub(t, Options{})
	p := f.connect(t)
	f.waitFollowers(t, 1)

	require.NoError(t, f.host.SetPlayState(proto.Paused))
	require.NoError(t, f.host.SetPosition(77))

	f.hub.PropagateMessage(nil)
	require.Equal(t, proto.StateSync{State: proto.Paused, Position: 77}, p.next())
}

func TestRelayReachesEveryFollower(t *testing.T) {
	cb, err := proto.NewCBORCodec()
	require.NoError(t, err)
	f := startHub(t, Options{Codec: cb})
	a := f.connect(t)
	b := f.connect(t)
	f.waitFollowers(t, 2)

	want := proto.StateSync{State: proto.Paused, Position: 3}
	a.send(proto.Relay{Payload: want})

	require.Equal(t, want, a.next())
	require.Equal(t, want, b.next())
	st, _ := f.host.PlayState()
	require.Equal(t, proto.Paused, st)
}

func TestFramesToOneFollowerKeepOrder(t *testing.T) {
	f := startHub(t, Options{})
	p := f.connect(t)
	f.waitFollowers(t, 1)

	hd := f.hub.snapshot()[0]
	for i := 1; i <= 20; i++ {
		body, err := proto.EncodeFollowerBound(f.hub.opts.Codec, proto.PlayFile{FileName: string(rune('a'+i)) + ".mkv"})
		require.NoError(t, err)
		f.hub.enqueue(hd, body)
	}
	for i := 1; i <= 20; i++ {
		require.Equal(t, proto.PlayFile{FileName: string(rune('a'+i)) + ".mkv"}, p.next())
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	f := startHub(t, Options{})
	p := f.connect(t)
	f.waitFollowers(t, 1)

	require.NoError(t, proto.WriteFrame(p.conn, []byte("{not json")))
	require.NoError(t, proto.WriteFrame(p.conn, []byte(`{"type":"state_sync","state":3,"position":1}`)))

	want := proto.PlayFile{FileName: "next.mp4"}
	p.send(proto.Relay{Payload: want})
	require.Equal(t, want, p.next())
	require.Equal(t, 2, f.log.count("Dropped frame"))
	require.Len(t, f.hub.Followers(), 1)
}

func TestSilentFollowerRemovedOnce(t *testing.T) {
	f := startHub(t, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		LivenessTimeout:   50 * time.Millisecond,
	})
	p := f.connect(t)
	f.waitFollowers(t, 1)

	require.Eventually(t, func() bool {
		fs := f.hub.Followers()
		return len(fs) == 1 && fs[0].AwaitingAck
	}, time.Second, 2*time.Millisecond)

	f.waitFollowers(t, 0)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.log.count("timed out"))
	require.Equal(t, 0, f.log.count("Follower disconnected"))

	// the hub closed the connection
	_ = p.conn.SetReadDeadline(time.Now().Add(time.Second))
	var err error
	for err == nil {
		_, err = proto.ReadFrame(p.conn)
	}
	var ne net.Error
	require.False(t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed")
}

func TestAckingFollowerStaysConnected(t *testing.T) {
	f := startHub(t, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		LivenessTimeout:   50 * time.Millisecond,
	})
	p := f.connect(t)
	f.waitFollowers(t, 1)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = p.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			body, err := proto.ReadFrame(p.conn)
			if err != nil {
				continue
			}
			if m, err := proto.DecodeFollowerBound(p.codec, body); err == nil {
				if _, ok := m.(proto.Heartbeat); ok {
					ack, _ := proto.EncodeHubBound(p.codec, proto.HeartbeatAck{})
					_ = proto.WriteFrame(p.conn, ack)
				}
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	close(stop)
	<-done
	require.Len(t, f.hub.Followers(), 1)
	require.Zero(t, f.log.count("timed out"))
}

func TestStopClosesEveryFollower(t *testing.T) {
	f := startHub(t, Options{})
	peers := []*peer{f.connect(t), f.connect(t), f.connect(t)}
	f.waitFollowers(t, 3)

	f.hub.Stop()
	require.False(t, f.hub.Running())
	require.Nil(t, f.hub.Addr())
	require.Empty(t, f.hub.Followers())

	for _, p := range peers {
		_ = p.conn.SetReadDeadline(time.Now().Add(time.Second))
		var err error
		for err == nil {
			_, err = proto.ReadFrame(p.conn)
		}
		var ne net.Error
		require.False(t, errors.As(err, &ne) && ne.Timeout())
	}

	// idempotent
	f.hub.Stop()
}

func TestListenRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	f := startHub(t, Options{
		RetryDelay: 10 * time.Millisecond,
		Listen: func(port int) (net.Listener, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, errors.New("address in use")
			}
			return net.Listen("tcp", "127.0.0.1:0")
		},
	})
	require.Equal(t, 2, f.log.count("Failed to listen"))
	require.Equal(t, 2, f.log.count("Retrying in:"))
	require.Equal(t, 1, f.log.count("Listening on"))
}

func TestFullQueueDropsFrame(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	out := &lineLog{}
	h := New(playback.NewContext(playback.NewMemoryHost(), out, 0), Options{QueueSize: 1})
	hd := newHandle("x", c1, 1)

	h.enqueue(hd, []byte("one"))
	h.enqueue(hd, []byte("two"))
	require.Len(t, hd.out, 1)
	require.Equal(t, 1, out.count("dropped frame"))

	hd.close()
	h.enqueue(hd, []byte("three"))
	require.Len(t, hd.out, 1)
}

func TestHubLocalHeartbeatIsNoop(t *testing.T) {
	host := playback.NewMemoryHost()
	h := New(playback.NewContext(host, nil, 0), Options{})
	h.PropagateMessage(proto.Heartbeat{})
	st, _ := host.PlayState()
	require.Equal(t, proto.Stopped, st)
}
