package viewer

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/syncvideo/internal/util"
)

// LogEntry is one line of the user-facing sync log.
type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer keeps the newest log lines and fans them out to subscribers.
// It is the io.Writer the playback context logs to.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer

	now func() time.Time
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

// Write splits p into lines. A trailing partial line is held until its
// newline arrives; blank lines are dropped.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := LogEntry{TS: b.now(), Msg: line}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default: // slow subscriber
			}
		}
	}
	return len(p), nil
}

// Snapshot returns every retained line, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Tail returns the newest n lines, oldest first.
func (b *LogBuffer) Tail(n int) []LogEntry {
	return b.entries.Last(n)
}

// Subscribe returns a channel receiving lines written after the call.
// cancel closes the channel.
func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
