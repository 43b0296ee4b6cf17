package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syncvideo/internal/config"
	"github.com/petervdpas/syncvideo/internal/control"
	"github.com/petervdpas/syncvideo/internal/playback"
	"github.com/petervdpas/syncvideo/internal/player"
	"github.com/petervdpas/syncvideo/internal/storage"
	"github.com/petervdpas/syncvideo/internal/util"
	"github.com/petervdpas/syncvideo/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string // empty disables config reloading
	Cfg     config.Config

	// Override is applied to Cfg and to every reloaded config, so command
	// line settings survive edits of the file.
	Override func(*config.Config)

	// Console receives every log line as "HH:MM:SS line". nil disables it.
	Console io.Writer

	// Ready is called once the controller and the control API are up.
	Ready func(ctl *control.Controller, controlAddr net.Addr)
}

// Run starts one sync instance and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if opt.Override != nil {
		opt.Override(&cfg)
	}
	if err := SetupLogging(cfg.Log.Level); err != nil {
		return err
	}

	logs := viewer.NewLogBuffer(cfg.Log.BufferSize)
	if opt.Console != nil {
		stop := startConsole(opt.Console, logs)
		defer stop()
	}
	logBanner(logs, opt.Dir, opt.CfgPath, cfg)

	host, closeHost, err := newHost(ctx, cfg.Player)
	if err != nil {
		return err
	}
	defer closeHost()

	dbPath := util.ResolvePath(opt.Dir, cfg.Storage.DBPath)
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Infof("settings database: %s", dbPath)

	echo := time.Duration(cfg.Player.EchoSuppressMs) * time.Millisecond
	ec := playback.NewContext(host, logs, echo)
	ctl := control.NewController(ec, db, cfg.Sync)
	defer ctl.Close()

	if opt.CfgPath != "" {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			if opt.Override != nil {
				opt.Override(&next)
			}
			if err := SetLogLevel(next.Log.Level); err != nil {
				log.Warnf("reload: %v", err)
			}
			ctl.ApplyConfig(next)
		})
		if err != nil {
			log.Warnf("config reloading disabled: %v", err)
		}
	}

	if err := ctl.StartConfigured(); err != nil {
		ec.Log(fmt.Sprintf("Could not start %s: %v", cfg.Sync.Role, err))
	}

	serveErr := make(chan error, 1)
	addr := strings.TrimSpace(cfg.Control.HTTPAddr)
	if addr == "" {
		if opt.Ready != nil {
			opt.Ready(ctl, nil)
		}
	} else {
		api := viewer.NewAPI(ctl, logs)
		go func() {
			serveErr <- viewer.Serve(ctx, addr, api, func(a net.Addr) {
				ec.Log("Control API: " + controlURL(a))
				if opt.Ready != nil {
					opt.Ready(ctl, a)
				}
			})
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		<-ctx.Done()
	}
	ec.Log("Shutting down")
	return nil
}

// newHost builds the configured player backend. The returned func releases it.
func newHost(ctx context.Context, p config.Player) (playback.Host, func(), error) {
	switch p.Backend {
	case config.BackendMemory:
		return playback.NewMemoryHost(), func() {}, nil
	case config.BackendMpv:
		m := player.NewMpv(player.Options{
			Socket: p.MpvSocket,
			Binary: p.MpvBinary,
			Spawn:  p.Spawn,
		})
		if err := m.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("start mpv: %w", err)
		}
		return m, func() { _ = m.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown player backend %q", p.Backend)
	}
}
