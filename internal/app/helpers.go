package app

import (
	"fmt"
	"io"
	"net"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syncvideo/internal/config"
	"github.com/petervdpas/syncvideo/internal/viewer"
)

// SetupLogging configures the process loggers at level.
func SetupLogging(level string) error {
	lvl, err := logging.LevelFromString(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logging.SetupLogging(logging.Config{
		Format: logging.ColorizedOutput,
		Stderr: true,
		Level:  lvl,
	})
	return nil
}

// SetLogLevel changes the level of every logger.
func SetLogLevel(level string) error {
	lvl, err := logging.LevelFromString(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

// controlURL turns a bound address into a browsable URL. Wildcard hosts
// become loopback.
func controlURL(a net.Addr) string {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return "http://" + a.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// startConsole prints log lines to w until the returned func is called.
// The func returns after the pending lines are written.
func startConsole(w io.Writer, logs *viewer.LogBuffer) func() {
	ch, cancel := logs.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			fmt.Fprintf(w, "%s %s\n", e.TS.Format("15:04:05"), e.Msg)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func logBanner(w io.Writer, dir, cfgPath string, cfg config.Config) {
	lines := []string{
		"────────────────────────────────────────",
		"syncvideo instance",
		" Data folder : " + dir,
		" Config file : " + cfgPath,
		" Player      : " + cfg.Player.Backend,
		" Codec       : " + cfg.Sync.Codec,
	}
	switch cfg.Sync.Role {
	case config.RoleHub:
		lines = append(lines, fmt.Sprintf(" Role        : hub on port %d", cfg.Sync.Port))
	case config.RoleFollower:
		hub := cfg.Sync.HubAddress
		if hub == "" {
			hub = "most recent hub"
		}
		lines = append(lines, " Role        : follower of "+hub)
	default:
		lines = append(lines, " Role        : none (use the control API)")
	}
	lines = append(lines, "────────────────────────────────────────")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
