package hub

import (
	"context"
	"time"

	"github.com/petervdpas/syncvideo/internal/proto"
)

// monitor ticks the liveness state of every follower. Idle followers get a
// heartbeat; followers that stay silent past the timeout are removed.
func (h *Hub) monitor(ctx context.Context) {
	probe, err := proto.EncodeFollowerBound(h.opts.Codec, proto.Heartbeat{})
	if err != nil {
		log.Errorf("encode heartbeat: %v", err)
		return
	}

	t := time.NewTicker(h.opts.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.tick(probe)
		}
	}
}

func (h *Hub) tick(probe []byte) {
	handles := h.snapshot()

	var toProbe, dead []*handle
	h.liveMu.Lock()
	present := make(map[string]struct{}, len(handles))
	for _, hd := range handles {
		present[hd.id] = struct{}{}
		elapsed, awaiting := h.liveness[hd.id]
		if !awaiting {
			h.liveness[hd.id] = 0
			toProbe = append(toProbe, hd)
			continue
		}
		elapsed += h.opts.HeartbeatInterval
		if elapsed >= h.opts.LivenessTimeout {
			delete(h.liveness, hd.id)
			dead = append(dead, hd)
			continue
		}
		h.liveness[hd.id] = elapsed
	}
	// entries of handles removed since the last tick
	for id := range h.liveness {
		if _, ok := present[id]; !ok {
			delete(h.liveness, id)
		}
	}
	h.liveMu.Unlock()

	for _, hd := range toProbe {
		h.enqueue(hd, probe)
	}
	for _, hd := range dead {
		if h.remove(hd) {
			h.Logf("Follower %s timed out", hd.remote)
		}
	}
}
