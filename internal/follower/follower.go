// Package follower implements the client sync role: one connection to a
// hub, re-established forever while the role runs.
package follower

import (
	"context"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/syncvideo/internal/netaddr"
	"github.com/petervdpas/syncvideo/internal/playback"
	"github.com/petervdpas/syncvideo/internal/proto"
	"github.com/petervdpas/syncvideo/internal/role"
)

var log = logging.Logger("follower")

// Options configures a Follower. Zero values take the protocol defaults.
type Options struct {
	Codec        proto.Codec
	RetryDelay   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadTimeout is how long the hub may stay silent before the connection
	// is treated as lost. The hub probes at least every HeartbeatInterval.
	ReadTimeout time.Duration

	// Dial opens the hub connection. Defaults to netaddr.Dial.
	Dial func(ctx context.Context, addr ma.Multiaddr) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = proto.JSONCodec{}
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = proto.RetryDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = proto.WriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = proto.LivenessTimeout
	}
	if o.Dial == nil {
		o.Dial = netaddr.Dial
	}
	return o
}

// Follower is the client role.
type Follower struct {
	*role.Base
	opts    Options
	addr    ma.Multiaddr
	display string

	// mu guards conn and serialises writes to it.
	mu   sync.Mutex
	conn net.Conn
}

func New(ec playback.ExecutionContext, addr ma.Multiaddr, opts Options) *Follower {
	return &Follower{
		Base:    role.NewBase(ec),
		opts:    opts.withDefaults(),
		addr:    addr,
		display: netaddr.HostPort(addr),
	}
}

// Address returns the hub address as host:port.
func (f *Follower) Address() string { return f.display }

func (f *Follower) Start() {
	if f.Base.Start(f.run) {
		log.Infof("follower starting, hub %s (%s)", f.display, f.opts.Codec.Name())
	}
}

func (f *Follower) Stop() {
	if f.Base.Stop() {
		f.Logf("Disconnected from hub")
	}
}

// Connected reports whether a hub connection is up.
func (f *Follower) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

func (f *Follower) run(ctx context.Context) {
	for ctx.Err() == nil {
		f.Logf("Connecting to %s", f.display)
		dctx, cancel := context.WithTimeout(ctx, f.opts.DialTimeout)
		conn, err := f.opts.Dial(dctx, f.addr)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.Logf("Connection failed, retrying: %v", err)
			if !f.Countdown(ctx, f.opts.RetryDelay) {
				return
			}
			continue
		}
		f.Logf("Connected successfully to %s", f.display)
		f.serve(ctx, conn)
	}
}

// serve reads frames until the connection breaks or ctx is cancelled.
func (f *Follower) serve(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	f.setConn(conn)
	defer func() {
		stop()
		f.setConn(nil)
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.opts.ReadTimeout))
		msg, err := proto.ReadFollowerBound(conn, f.opts.Codec)
		if proto.IsSerialization(err) {
			f.Logf("Dropped frame from hub: %v", err)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				f.Logf("Lost connection to hub: %v", err)
			}
			return
		}
		f.execute(msg)
	}
}

func (f *Follower) execute(msg proto.FollowerBound) {
	switch msg.(type) {
	case proto.Heartbeat:
		f.SendToHub(proto.HeartbeatAck{})
	case proto.StateSync, proto.PlayFile:
		playback.Apply(f.ExecutionContext(), msg)
	}
}

func (f *Follower) setConn(c net.Conn) {
	f.mu.Lock()
	f.conn = c
	f.mu.Unlock()
}

// SendToHub writes msg to the hub once. Nothing is retried; a failed write
// is logged and the reader notices the broken connection.
func (f *Follower) SendToHub(msg proto.HubBound) {
	body, err := proto.EncodeHubBound(f.opts.Codec, msg)
	if err != nil {
		log.Debugf("encode %s: %v", msg.Type(), err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		log.Debugf("not connected, dropped %s", msg.Type())
		return
	}
	_ = f.conn.SetWriteDeadline(time.Now().Add(f.opts.WriteTimeout))
	if err := proto.WriteFrame(f.conn, body); err != nil {
		f.Logf("Send to hub failed: %v", err)
	}
}

// RelayToHub asks the hub to broadcast msg to every follower.
func (f *Follower) RelayToHub(msg proto.FollowerBound) {
	f.SendToHub(proto.Relay{Payload: msg})
}
