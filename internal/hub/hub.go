// Package hub implements the authoritative sync role: it accepts followers,
// probes them with heartbeats and fans state out to all of them.
package hub

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syncvideo/internal/netaddr"
	"github.com/petervdpas/syncvideo/internal/playback"
	"github.com/petervdpas/syncvideo/internal/proto"
	"github.com/petervdpas/syncvideo/internal/role"
)

var log = logging.Logger("hub")

// DefaultQueueSize is the number of frames buffered per follower.
const DefaultQueueSize = 64

// Options configures a Hub. Zero values take the protocol defaults.
type Options struct {
	Port  int
	Codec proto.Codec

	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	RetryDelay        time.Duration
	WriteTimeout      time.Duration
	QueueSize         int

	// Listen opens the listening socket. Defaults to netaddr.Listen.
	Listen func(port int) (net.Listener, error)
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = proto.DefaultPort
	}
	if o.Port < 0 {
		o.Port = 0
	}
	if o.Codec == nil {
		o.Codec = proto.JSONCodec{}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = proto.HeartbeatInterval
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = proto.LivenessTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = proto.RetryDelay
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = proto.WriteTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Listen == nil {
		o.Listen = netaddr.Listen
	}
	return o
}

// FollowerInfo describes one connected follower.
type FollowerInfo struct {
	ID          string        `json:"id"`
	Remote      string        `json:"remote"`
	ConnectedAt time.Time     `json:"connected_at"`
	AwaitingAck bool          `json:"awaiting_ack"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Hub is the server role.
//
// The follower set (mu) and the liveness map (liveMu) are separate
// critical sections and are never held at the same time. sendMu orders
// broadcasts; it may be held while taking mu, never the other way round.
type Hub struct {
	*role.Base
	opts Options

	sendMu sync.Mutex

	mu        sync.Mutex
	followers map[string]*handle

	// liveMu guards liveness. A handle without an entry is idle; an entry
	// is the time since its unanswered heartbeat was sent.
	liveMu   sync.Mutex
	liveness map[string]time.Duration

	addrMu sync.Mutex
	addr   net.Addr
}

// New creates a stopped hub. Port < 0 asks the OS for a free port.
func New(ec playback.ExecutionContext, opts Options) *Hub {
	return &Hub{
		Base:      role.NewBase(ec),
		opts:      opts.withDefaults(),
		followers: make(map[string]*handle),
		liveness:  make(map[string]time.Duration),
	}
}

// Start begins listening in the background. Calling it on a running hub
// does nothing.
func (h *Hub) Start() {
	if h.Base.Start(h.run) {
		log.Infof("hub starting on port %d (%s)", h.opts.Port, h.opts.Codec.Name())
	}
}

// Stop closes the listener and every follower connection and waits for all
// hub goroutines to exit.
func (h *Hub) Stop() {
	if h.Base.Stop() {
		h.setAddr(nil)
		h.Logf("Hub stopped")
	}
}

// Addr returns the bound address, or nil while not listening.
func (h *Hub) Addr() net.Addr {
	h.addrMu.Lock()
	defer h.addrMu.Unlock()
	return h.addr
}

func (h *Hub) setAddr(a net.Addr) {
	h.addrMu.Lock()
	h.addr = a
	h.addrMu.Unlock()
}

// Followers returns a snapshot of the connected followers.
func (h *Hub) Followers() []FollowerInfo {
	handles := h.snapshot()

	h.liveMu.Lock()
	out := make([]FollowerInfo, 0, len(handles))
	for _, hd := range handles {
		elapsed, awaiting := h.liveness[hd.id]
		out = append(out, FollowerInfo{
			ID:          hd.id,
			Remote:      hd.remote,
			ConnectedAt: hd.connectedAt,
			AwaitingAck: awaiting,
			Elapsed:     elapsed,
		})
	}
	h.liveMu.Unlock()
	return out
}

func (h *Hub) snapshot() []*handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*handle, 0, len(h.followers))
	for _, hd := range h.followers {
		out = append(out, hd)
	}
	return out
}

func (h *Hub) run(ctx context.Context) {
	ln := h.listen(ctx)
	if ln == nil {
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer func() {
		stop()
		_ = ln.Close()
		h.closeAll()
	}()

	h.Go(h.monitor)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.Logf("Accept failed: %v", err)
			if !role.Sleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		h.accept(conn)
	}
}

// listen binds the configured port, retrying until it succeeds or ctx is
// cancelled.
func (h *Hub) listen(ctx context.Context) net.Listener {
	for {
		ln, err := h.opts.Listen(h.opts.Port)
		if err == nil {
			h.Logf("Listening on %s", ln.Addr())
			h.setAddr(ln.Addr())
			return ln
		}
		h.Logf("Failed to listen on port %d: %v", h.opts.Port, err)
		if !h.Countdown(ctx, h.opts.RetryDelay) {
			return nil
		}
	}
}

func (h *Hub) accept(conn net.Conn) {
	hd := newHandle(uuid.NewString(), conn, h.opts.QueueSize)

	h.mu.Lock()
	h.followers[hd.id] = hd
	h.mu.Unlock()

	if !h.Go(func(ctx context.Context) { h.readLoop(ctx, hd) }) {
		h.remove(hd)
		return
	}
	h.Go(func(ctx context.Context) { h.writeLoop(ctx, hd) })
	h.Logf("Follower connected: %s", hd.remote)
}

// remove takes hd out of the follower set and closes it. It reports whether
// this call did the removal.
func (h *Hub) remove(hd *handle) bool {
	h.mu.Lock()
	cur, ok := h.followers[hd.id]
	if ok && cur == hd {
		delete(h.followers, hd.id)
	} else {
		ok = false
	}
	h.mu.Unlock()
	hd.close()
	return ok
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	handles := h.followers
	h.followers = make(map[string]*handle)
	h.mu.Unlock()

	for _, hd := range handles {
		hd.close()
	}

	h.liveMu.Lock()
	h.liveness = make(map[string]time.Duration)
	h.liveMu.Unlock()
}

func (h *Hub) readLoop(ctx context.Context, hd *handle) {
	defer func() {
		if h.remove(hd) {
			h.Logf("Follower disconnected: %s", hd.remote)
		}
	}()

	for {
		msg, err := proto.ReadHubBound(hd.conn, h.opts.Codec)
		if proto.IsSerialization(err) {
			h.Logf("Dropped frame from %s: %v", hd.remote, err)
			continue
		}
		if err != nil {
			if ctx.Err() == nil && !hd.closed() {
				h.Logf("Lost connection to %s: %v", hd.remote, err)
			}
			return
		}
		h.execute(hd, msg)
	}
}

func (h *Hub) execute(hd *handle, msg proto.HubBound) {
	switch m := msg.(type) {
	case proto.HeartbeatAck:
		h.liveMu.Lock()
		delete(h.liveness, hd.id)
		h.liveMu.Unlock()
	case proto.Relay:
		h.PropagateMessage(m.Payload)
	}
}

func (h *Hub) writeLoop(ctx context.Context, hd *handle) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hd.done:
			return
		case body := <-hd.out:
			_ = hd.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := proto.WriteFrame(hd.conn, body); err != nil {
				h.Logf("propagation failed to %s: %v", hd.remote, err)
				// the reader sees the closed connection and removes the handle
				hd.close()
				return
			}
		}
	}
}

// enqueue hands a frame to the follower's writer without blocking.
func (h *Hub) enqueue(hd *handle, body []byte) {
	if hd.closed() {
		return
	}
	select {
	case hd.out <- body:
	default:
		h.Logf("Send queue full for %s, dropped frame", hd.remote)
	}
}
