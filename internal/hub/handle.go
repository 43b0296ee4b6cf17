package hub

import (
	"net"
	"sync"
	"time"
)

// handle is the hub's side of one follower connection.
type handle struct {
	id          string
	conn        net.Conn
	remote      string
	connectedAt time.Time

	// out is drained by the handle's writer, so frames to one follower
	// keep their order. It is never closed.
	out chan []byte

	once sync.Once
	done chan struct{}
}

func newHandle(id string, conn net.Conn, queue int) *handle {
	return &handle{
		id:          id,
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		out:         make(chan []byte, queue),
		done:        make(chan struct{}),
	}
}

func (hd *handle) close() {
	hd.once.Do(func() {
		close(hd.done)
		_ = hd.conn.Close()
	})
}

func (hd *handle) closed() bool {
	select {
	case <-hd.done:
		return true
	default:
		return false
	}
}
