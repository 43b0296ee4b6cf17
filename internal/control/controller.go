package control

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syncvideo/internal/config"
	"github.com/petervdpas/syncvideo/internal/follower"
	"github.com/petervdpas/syncvideo/internal/hub"
	"github.com/petervdpas/syncvideo/internal/netaddr"
	"github.com/petervdpas/syncvideo/internal/playback"
	"github.com/petervdpas/syncvideo/internal/proto"
	"github.com/petervdpas/syncvideo/internal/storage"
)

var log = logging.Logger("control")

// ErrNoRole is returned by actions that need a running hub or follower.
var ErrNoRole = errors.New("no sync role is running")

const metaLastRole = "last_role"

// Status is a snapshot of the controller for the control API.
type Status struct {
	Role       string             `json:"role"`
	Running    bool               `json:"running"`
	Codec      string             `json:"codec"`
	Connected  bool               `json:"connected,omitempty"`
	HubAddress string             `json:"hub_address,omitempty"`
	Listen     string             `json:"listen,omitempty"`
	Followers  []hub.FollowerInfo `json:"followers,omitempty"`
	LastRole   string             `json:"last_role,omitempty"`
	Player     PlayerStatus       `json:"player"`
}

type PlayerStatus struct {
	State    string  `json:"state"`
	Position float64 `json:"position"`
	File     string  `json:"file,omitempty"`
}

// Controller owns the single sync role of this process. Starting a role
// stops whichever one was running.
type Controller struct {
	ec *playback.Context
	db *storage.DB // may be nil

	// HubOptions and FollowerOptions are the base options for new roles.
	// Port and codec are filled in from the sync config.
	HubOptions      hub.Options
	FollowerOptions follower.Options

	mu       sync.Mutex
	cfg      config.Sync
	hubPort  int // port argument of the last StartHub
	hub      *hub.Hub
	follower *follower.Follower
}

func NewController(ec *playback.Context, db *storage.DB, cfg config.Sync) *Controller {
	c := &Controller{ec: ec, db: db, cfg: cfg}
	ec.SetChangeHandler(c.hostChanged)
	return c
}

// StartConfigured starts the role named in the sync config, if any.
func (c *Controller) StartConfigured() error {
	c.mu.Lock()
	role := c.cfg.Role
	c.mu.Unlock()

	switch role {
	case config.RoleHub:
		return c.StartHub(0)
	case config.RoleFollower:
		return c.StartFollower("")
	default:
		return nil
	}
}

// StartHub stops any running role and starts a hub. Port 0 uses the
// configured port; a negative port picks a free one.
func (c *Controller) StartHub(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	codec, err := proto.CodecByName(c.cfg.Codec)
	if err != nil {
		return err
	}
	c.hubPort = port
	if port == 0 {
		port = c.cfg.Port
	}

	c.stopLocked()

	opts := c.HubOptions
	opts.Port, opts.Codec = port, codec
	c.hub = hub.New(c.ec, opts)
	c.hub.Start()

	c.remember(metaLastRole, config.RoleHub)
	return nil
}

// StartFollower stops any running role and follows address. An empty
// address means the most recently used hub, then the configured one.
func (c *Controller) StartFollower(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	codec, err := proto.CodecByName(c.cfg.Codec)
	if err != nil {
		return err
	}
	if address == "" {
		address = c.defaultHubLocked()
	}
	if address == "" {
		return errors.New("no hub address given and none remembered")
	}
	m, err := netaddr.Parse(address, c.cfg.Port)
	if err != nil {
		return err
	}

	c.stopLocked()

	opts := c.FollowerOptions
	opts.Codec = codec
	c.follower = follower.New(c.ec, m, opts)
	c.follower.Start()

	if c.db != nil {
		if err := c.db.RememberHub(netaddr.HostPort(m)); err != nil {
			log.Warnf("remember hub: %v", err)
		}
	}
	c.remember(metaLastRole, config.RoleFollower)
	return nil
}

func (c *Controller) defaultHubLocked() string {
	if c.db != nil {
		if hubs, err := c.db.RecentHubs(1); err == nil && len(hubs) > 0 {
			return hubs[0].Address
		}
	}
	return c.cfg.HubAddress
}

func (c *Controller) remember(key, value string) {
	if c.db == nil {
		return
	}
	if err := c.db.SetMeta(key, value); err != nil {
		log.Warnf("store %s: %v", key, err)
	}
}

// StopRole stops the running role, if any.
func (c *Controller) StopRole() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.hub != nil {
		c.hub.Stop()
		c.hub = nil
	}
	if c.follower != nil {
		c.follower.Stop()
		c.follower = nil
	}
}

// roles returns the current roles without holding the lock while they are
// used, so network sends never run under c.mu.
func (c *Controller) roles() (*hub.Hub, *follower.Follower) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub, c.follower
}

// ForceSync pushes the local player state: a hub broadcasts it, a follower
// asks the hub to.
func (c *Controller) ForceSync() error {
	h, f := c.roles()
	switch {
	case h != nil:
		h.PropagateMessage(nil)
	case f != nil:
		f.RelayToHub(c.ec.CurrentState())
	default:
		return ErrNoRole
	}
	return nil
}

// hostChanged runs for player changes the user made locally.
func (c *Controller) hostChanged() {
	if err := c.ForceSync(); err != nil && !errors.Is(err, ErrNoRole) {
		log.Warnf("sync after local change: %v", err)
	}
}

// OpenFile opens path locally and, when a role is running, tells the other
// instances to open the file with the same name.
func (c *Controller) OpenFile(path string) error {
	if err := c.ec.OpenFile(path); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	msg := proto.PlayFile{FileName: filepath.Base(path)}

	h, f := c.roles()
	switch {
	case h != nil:
		h.PropagateMessage(msg)
	case f != nil:
		f.RelayToHub(msg)
	}
	return nil
}

// ApplyConfig takes a reloaded config. A new configured role is started;
// otherwise a running role is restarted when its sync settings changed.
func (c *Controller) ApplyConfig(cfg config.Config) {
	c.mu.Lock()
	old := c.cfg
	c.cfg = cfg.Sync
	h, f := c.hub, c.follower
	port := c.hubPort
	c.mu.Unlock()

	if !config.RoleChanged(old, cfg.Sync) {
		return
	}
	if cfg.Sync.Role != old.Role && cfg.Sync.Role != config.RoleNone {
		c.ec.Log("Configured role changed to " + cfg.Sync.Role)
		var err error
		if cfg.Sync.Role == config.RoleHub {
			err = c.StartHub(0)
		} else {
			err = c.StartFollower(cfg.Sync.HubAddress)
		}
		if err != nil {
			log.Errorf("switch role: %v", err)
		}
		return
	}
	switch {
	case h != nil:
		c.ec.Log("Sync settings changed, restarting hub")
		if err := c.StartHub(port); err != nil {
			log.Errorf("restart hub: %v", err)
		}
	case f != nil:
		addr := f.Address()
		if cfg.Sync.HubAddress != old.HubAddress && cfg.Sync.HubAddress != "" {
			addr = cfg.Sync.HubAddress
		}
		c.ec.Log("Sync settings changed, reconnecting")
		if err := c.StartFollower(addr); err != nil {
			log.Errorf("restart follower: %v", err)
		}
	}
}

// Status returns a snapshot of the running role and the local player.
func (c *Controller) Status() Status {
	h, f := c.roles()

	c.mu.Lock()
	st := Status{Codec: c.cfg.Codec}
	c.mu.Unlock()
	if st.Codec == "" {
		st.Codec = "json"
	}

	switch {
	case h != nil:
		st.Role = config.RoleHub
		st.Running = h.Running()
		if a := h.Addr(); a != nil {
			st.Listen = a.String()
		}
		st.Followers = h.Followers()
	case f != nil:
		st.Role = config.RoleFollower
		st.Running = f.Running()
		st.Connected = f.Connected()
		st.HubAddress = f.Address()
	}

	if c.db != nil {
		st.LastRole, _ = c.db.Meta(metaLastRole)
	}

	cur := c.ec.CurrentState()
	st.Player = PlayerStatus{
		State:    cur.State.String(),
		Position: cur.Position,
		File:     c.ec.Host().CurrentFile(),
	}
	return st
}

// RecentHubs lists remembered hubs, most recent first.
func (c *Controller) RecentHubs(limit int) ([]storage.HubRow, error) {
	if c.db == nil {
		return nil, nil
	}
	return c.db.RecentHubs(limit)
}

// ForgetHub removes address from the remembered hubs.
func (c *Controller) ForgetHub(address string) error {
	if c.db == nil {
		return nil
	}
	return c.db.ForgetHub(address)
}

// SetPlayer changes the local player the way a user would. The change goes
// through the host change path, so a running role syncs it. state is a
// play state name; empty leaves the state alone. position nil leaves the
// position alone.
func (c *Controller) SetPlayer(state string, position *float64) error {
	if state == "" && position == nil {
		return errors.New("nothing to change")
	}
	var ps proto.PlayState
	if state != "" {
		var err error
		if ps, err = proto.ParsePlayState(state); err != nil {
			return err
		}
	}
	if position != nil && *position < 0 {
		return fmt.Errorf("position %.2f is negative", *position)
	}

	host := c.ec.Host()
	if state != "" {
		if err := host.SetPlayState(ps); err != nil {
			return fmt.Errorf("set play state: %w", err)
		}
	}
	if position != nil {
		if err := host.SetPosition(*position); err != nil {
			return fmt.Errorf("set position: %w", err)
		}
	}
	return nil
}

// Close stops the running role.
func (c *Controller) Close() {
	c.StopRole()
}
