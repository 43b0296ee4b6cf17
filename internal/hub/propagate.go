package hub

import (
	"github.com/petervdpas/syncvideo/internal/playback"
	"github.com/petervdpas/syncvideo/internal/proto"
)

// PropagateMessage sends msg to every connected follower. A nil msg sends
// the local player's current state; any other message is applied locally
// first.
//
// Frames are queued on the caller's goroutine under sendMu, so every
// follower sees broadcasts in call order. Queueing never blocks; the
// per-follower writers do the network I/O.
func (h *Hub) PropagateMessage(msg proto.FollowerBound) {
	ec := h.ExecutionContext()
	if msg == nil {
		msg = ec.CurrentState()
	} else {
		playback.Apply(ec, msg)
	}

	body, err := proto.EncodeFollowerBound(h.opts.Codec, msg)
	if err != nil {
		log.Debugf("encode %s: %v", msg.Type(), err)
		return
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	for _, hd := range h.snapshot() {
		h.enqueue(hd, body)
	}
}
