package viewer

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syncvideo/internal/control"
	"github.com/petervdpas/syncvideo/internal/storage"
)

var log = logging.Logger("viewer")

// Controller is the part of control.Controller the HTTP API drives.
type Controller interface {
	Status() control.Status
	StartHub(port int) error
	StartFollower(address string) error
	StopRole()
	ForceSync() error
	OpenFile(path string) error
	RecentHubs(limit int) ([]storage.HubRow, error)
	ForgetHub(address string) error
	SetPlayer(state string, position *float64) error
}

// API handles the HTTP control endpoints.
type API struct {
	ctl  Controller
	logs *LogBuffer
}

func NewAPI(ctl Controller, logs *LogBuffer) *API {
	return &API{ctl: ctl, logs: logs}
}

type HubStartRequest struct {
	Port int `json:"port"`
}

type FollowerStartRequest struct {
	Address string `json:"address"`
}

type OpenRequest struct {
	Path string `json:"path" binding:"required"`
}

// PlayerRequest changes the local player. Both fields are optional but one
// must be set.
type PlayerRequest struct {
	State    string   `json:"state"`
	Position *float64 `json:"position"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	Status string `json:"status"`
}

// bindOptional binds a JSON body when one was sent; an empty body keeps
// the zero value.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

// Status returns the controller snapshot.
func (a *API) Status(c *gin.Context) {
	c.JSON(http.StatusOK, a.ctl.Status())
}

// StartHub starts a hub on the requested port, or the configured one.
func (a *API) StartHub(c *gin.Context) {
	var req HubStartRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "port must be 0..65535"})
		return
	}
	if err := a.ctl.StartHub(req.Port); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.ctl.Status())
}

// StartFollower connects to the requested hub, or the remembered one.
func (a *API) StartFollower(c *gin.Context) {
	var req FollowerStartRequest
	if !bindOptional(c, &req) {
		return
	}
	if err := a.ctl.StartFollower(req.Address); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.ctl.Status())
}

func (a *API) Stop(c *gin.Context) {
	a.ctl.StopRole()
	c.JSON(http.StatusOK, OKResponse{Status: "stopped"})
}

// Sync pushes the local player state to the other instances.
func (a *API) Sync(c *gin.Context) {
	if err := a.ctl.ForceSync(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, control.ErrNoRole) {
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, OKResponse{Status: "synced"})
}

// Open opens a file locally and announces it.
func (a *API) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "path is required"})
		return
	}
	if err := a.ctl.OpenFile(req.Path); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.ctl.Status())
}

// Hubs lists remembered hub addresses, newest first. ?limit=N caps the list.
func (a *API) Hubs(c *gin.Context) {
	limit := 10
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	hubs, err := a.ctl.RecentHubs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if hubs == nil {
		hubs = []storage.HubRow{}
	}
	c.JSON(http.StatusOK, hubs)
}

// ForgetHub removes a remembered hub address.
func (a *API) ForgetHub(c *gin.Context) {
	if err := a.ctl.ForgetHub(c.Param("address")); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Player changes the local player; a running role syncs the change.
func (a *API) Player(c *gin.Context) {
	var req PlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := a.ctl.SetPlayer(req.State, req.Position); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.ctl.Status())
}

// Logs returns the retained log lines. ?tail=N returns the newest N.
func (a *API) Logs(c *gin.Context) {
	n := 0
	if s := c.Query("tail"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid tail"})
			return
		}
		n = v
	}
	c.JSON(http.StatusOK, a.logs.Tail(n))
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

const wsWriteWait = 5 * time.Second

// LogStream upgrades to a websocket and sends each new log line as a
// LogEntry JSON text message. No snapshot is sent.
func (a *API) LogStream(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debugf("log stream upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := a.logs.Subscribe()
	defer cancel()

	// Drain client frames so close and ping are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-gone:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
