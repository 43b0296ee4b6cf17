package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SetupRouter creates the gin router for the control API.
func SetupRouter(api *API) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	g := r.Group("/api")
	{
		g.GET("/status", api.Status)
		g.POST("/hub/start", api.StartHub)
		g.POST("/follower/start", api.StartFollower)
		g.POST("/stop", api.Stop)
		g.POST("/sync", api.Sync)
		g.POST("/open", api.Open)
		g.GET("/hubs", api.Hubs)
		g.DELETE("/hubs/:address", api.ForgetHub)
		g.POST("/player", api.Player)
		g.GET("/logs", api.Logs)
		g.GET("/logs/ws", api.LogStream)
	}
	return r
}

// corsMiddleware only lets browsers in from the API's own origin. Requests
// without an Origin header (curl, scripts) pass.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if !sameOrigin(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "cross-origin request refused"})
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		c.Writer.Header().Set("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// sameOrigin reports whether the request's Origin names the host it was
// sent to. A missing Origin counts as same-origin.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Serve listens on addr and serves the control API until ctx is done.
// ready, when non-nil, receives the bound address.
func Serve(ctx context.Context, addr string, api *API, ready func(net.Addr)) error {
	gin.SetMode(gin.ReleaseMode)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}

	srv := &http.Server{
		Handler:           SetupRouter(api),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	log.Infof("control API listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
