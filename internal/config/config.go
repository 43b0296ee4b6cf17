package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/petervdpas/syncvideo/internal/proto"
	"github.com/petervdpas/syncvideo/internal/util"
)

// Roles a process can be configured to start with.
const (
	RoleNone     = ""
	RoleHub      = "hub"
	RoleFollower = "follower"
)

// Player backends.
const (
	BackendMpv    = "mpv"
	BackendMemory = "memory"
)

type Config struct {
	Sync    Sync    `json:"sync"`
	Player  Player  `json:"player"`
	Control Control `json:"control"`
	Log     Log     `json:"log"`
	Storage Storage `json:"storage"`
}

type Sync struct {
	// Role started at launch: "hub", "follower" or "" to wait for the
	// control API.
	Role string `json:"role"`

	// Hub to follow. host, host:port, [v6]:port or a multiaddr. Empty means
	// the most recently used hub.
	HubAddress string `json:"hub_address"`

	// Port the hub listens on; also the default port of HubAddress.
	Port int `json:"port"`

	// Wire codec, "json" or "cbor". Hub and followers must agree.
	Codec string `json:"codec"`
}

type Player struct {
	Backend   string `json:"backend"`
	MpvSocket string `json:"mpv_socket"`
	MpvBinary string `json:"mpv_binary"`
	Spawn     bool   `json:"spawn"` // start mpv instead of attaching

	// How long host change notifications are ignored after we changed the
	// player ourselves.
	EchoSuppressMs int `json:"echo_suppress_ms"`
}

type Control struct {
	HTTPAddr string `json:"http_addr"` // empty disables the control API
}

type Log struct {
	Level      string `json:"level"`
	BufferSize int    `json:"buffer_size"`
}

type Storage struct {
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Sync: Sync{
			Role:  RoleNone,
			Port:  proto.DefaultPort,
			Codec: "json",
		},
		Player: Player{
			Backend:        BackendMpv,
			MpvSocket:      "/tmp/syncvideo-mpv.sock",
			MpvBinary:      "mpv",
			Spawn:          true,
			EchoSuppressMs: 300,
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:4886",
		},
		Log: Log{
			Level:      "info",
			BufferSize: 800,
		},
		Storage: Storage{
			DBPath: "data/syncvideo.db",
		},
	}
}

func (c *Config) Validate() error {
	// Sync
	switch c.Sync.Role {
	case RoleNone, RoleHub, RoleFollower:
	default:
		return errors.New("sync.role must be hub, follower or empty")
	}
	if c.Sync.Port < 1 || c.Sync.Port > 65535 {
		return errors.New("sync.port must be 1..65535")
	}
	if _, err := proto.CodecByName(c.Sync.Codec); err != nil {
		return fmt.Errorf("sync.codec: %w", err)
	}

	// Player
	switch c.Player.Backend {
	case BackendMpv:
		if strings.TrimSpace(c.Player.MpvSocket) == "" {
			return errors.New("player.mpv_socket is required for the mpv backend")
		}
		if c.Player.Spawn && strings.TrimSpace(c.Player.MpvBinary) == "" {
			return errors.New("player.mpv_binary is required when player.spawn is set")
		}
	case BackendMemory:
	default:
		return errors.New("player.backend must be mpv or memory")
	}
	if c.Player.EchoSuppressMs < 0 || c.Player.EchoSuppressMs > 10000 {
		return errors.New("player.echo_suppress_ms must be 0..10000")
	}

	// Control
	if a := strings.TrimSpace(c.Control.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("control.http_addr: %w", err)
		}
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}
	if c.Log.BufferSize <= 0 {
		return errors.New("log.buffer_size must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Comments and
// trailing commas are allowed.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// RoleChanged reports whether switching from sync settings a to b needs the
// running role restarted.
func RoleChanged(a, b Sync) bool {
	return a != b
}
