package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/petervdpas/syncvideo/internal/app"
	"github.com/petervdpas/syncvideo/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

type cliFlags struct {
	dir       string
	cfgPath   string
	port      int
	codec     string
	player    string
	mpvSocket string
	control   string
	logLevel  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var f cliFlags
	fs := pflag.NewFlagSet("syncvideo", pflag.ContinueOnError)
	fs.StringVar(&f.dir, "dir", ".", "instance directory (config and data live here)")
	fs.StringVar(&f.cfgPath, "config", "", "config file (default <dir>/syncvideo.json)")
	fs.IntVar(&f.port, "port", 0, "hub port, also the default port of hub addresses")
	fs.StringVar(&f.codec, "codec", "", "wire codec: json or cbor")
	fs.StringVar(&f.player, "player", "", "player backend: mpv or memory")
	fs.StringVar(&f.mpvSocket, "mpv-socket", "", "mpv IPC socket path")
	fs.StringVar(&f.control, "control", "", `control API address, "off" disables it`)
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	showVersion := fs.Bool("version", false, "show version")
	fs.BoolP("help", "h", false, "show help")
	fs.Usage = func() { showUsage(fs) }

	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := fs.GetBool("help"); help {
		showUsage(fs)
		return nil
	}
	if *showVersion {
		fmt.Printf("syncvideo v%s\n", appVersion)
		return nil
	}

	role, hubAddr, err := parseCommand(fs.Args())
	if err != nil {
		showUsage(fs)
		return err
	}

	absDir, err := filepath.Abs(f.dir)
	if err != nil {
		return fmt.Errorf("invalid directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return err
	}
	cfgPath := f.cfgPath
	if cfgPath == "" {
		cfgPath = filepath.Join(absDir, "syncvideo.json")
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	override := func(c *config.Config) {
		if fs.Changed("port") {
			c.Sync.Port = f.port
		}
		if fs.Changed("codec") {
			c.Sync.Codec = f.codec
		}
		if fs.Changed("player") {
			c.Player.Backend = f.player
		}
		if fs.Changed("mpv-socket") {
			c.Player.MpvSocket = f.mpvSocket
		}
		if fs.Changed("control") {
			c.Control.HTTPAddr = f.control
			if f.control == "off" {
				c.Control.HTTPAddr = ""
			}
		}
		if fs.Changed("log-level") {
			c.Log.Level = f.logLevel
		}
		if role != "" {
			c.Sync.Role = role
			if hubAddr != "" {
				c.Sync.HubAddress = hubAddr
			}
		}
	}

	check := cfg
	override(&check)
	if err := check.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	return app.Run(ctx, app.Options{
		Dir:      absDir,
		CfgPath:  cfgPath,
		Cfg:      cfg,
		Override: override,
		Console:  os.Stdout,
	})
}

// parseCommand reads the optional positional command.
func parseCommand(args []string) (role, hubAddr string, err error) {
	if len(args) == 0 {
		return "", "", nil
	}
	switch args[0] {
	case "hub":
		if len(args) > 1 {
			return "", "", fmt.Errorf("hub takes no arguments")
		}
		return config.RoleHub, "", nil
	case "follow":
		if len(args) > 2 {
			return "", "", fmt.Errorf("follow takes at most one address")
		}
		if len(args) == 2 {
			hubAddr = args[1]
		}
		return config.RoleFollower, hubAddr, nil
	default:
		return "", "", fmt.Errorf("unknown command %q", args[0])
	}
}

func showUsage(fs *pflag.FlagSet) {
	fmt.Println("syncvideo - synchronised video playback")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  syncvideo [flags]                   Start with the role from the config file")
	fmt.Println("  syncvideo [flags] hub               Run as hub")
	fmt.Println("  syncvideo [flags] follow [address]  Follow a hub (default: most recent hub)")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Print(fs.FlagUsages())
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  syncvideo hub")
	fmt.Println("  syncvideo follow 192.168.1.20")
	fmt.Println("  syncvideo --codec cbor follow /dns/hub.lan/tcp/4885")
}
