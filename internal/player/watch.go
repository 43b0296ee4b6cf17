package player

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"
)

// observed are the properties whose changes count as a player change.
var observed = []string{"pause", "speed", "path"}

// watchLoop keeps an event connection to mpv open until ctx is done.
func (p *Mpv) watchLoop(ctx context.Context) {
	for {
		if err := p.watch(ctx); err != nil && ctx.Err() == nil {
			log.Debugf("mpv watcher: %v", err)
		}
		t := time.NewTimer(watchRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (p *Mpv) watch(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", p.opts.Socket)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	enc := json.NewEncoder(conn)
	for i, name := range observed {
		if err := enc.Encode(mpvCommand{Command: []any{"observe_property", i + 1, name}}); err != nil {
			return err
		}
	}

	// mpv reports every observed property once right after observing it.
	initial := make(map[int]bool, len(observed))

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var ev mpvResponse
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		switch ev.Event {
		case "property-change":
			if !initial[ev.ID] {
				initial[ev.ID] = true
				continue
			}
			p.notify()
		case "seek":
			p.notify()
		}
	}
	return sc.Err()
}
