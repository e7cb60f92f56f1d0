package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/fts/internal/auth"
	"github.com/danmuck/fts/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// DefaultCloseTimeout applies when POST /close carries no timeout.
const DefaultCloseTimeout = 30 * time.Second

var ErrAdminNotLoopback = errors.New("server: admin endpoint must bind a loopback address")

// AdminServer exposes a detached server's status and close control on
// loopback, guarded by a bearer token.
type AdminServer struct {
	handle *Handle
	engine *gin.Engine
	srv    *http.Server
	ln     net.Listener
}

func NewAdminServer(h *Handle, token string) *AdminServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AccessLog("fts", observability.Component("admin")))
	_ = r.SetTrustedProxies(nil)

	a := &AdminServer{handle: h, engine: r}
	a.registerRoutes(auth.StaticToken{Token: token})
	return a
}

func (a *AdminServer) Handler() http.Handler {
	return a.engine
}

func (a *AdminServer) registerRoutes(v auth.Validator) {
	a.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"state":  a.handle.State().String(),
		})
	})

	routes := a.engine.Group("/", auth.Require(v))
	routes.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.handle.Status())
	})

	routes.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"active": a.handle.Status().Active,
		})
	})

	routes.GET("/metrics", gin.WrapH(observability.Handler()))

	routes.POST("/close", func(c *gin.Context) {
		timeout := DefaultCloseTimeout
		if raw := strings.TrimSpace(c.Query("timeout")); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid timeout %q", raw)})
				return
			}
			timeout = d
		}
		report, err := a.handle.Close(timeout)
		if errors.Is(err, ErrClosed) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	})
}

// Start binds addr, which must be a loopback address, and serves in the
// background.
func (a *AdminServer) Start(addr string) (net.Addr, error) {
	if !isLoopback(addr) {
		return nil, fmt.Errorf("%w: %q", ErrAdminNotLoopback, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: admin listen %s: %w", addr, err)
	}
	a.ln = ln
	a.srv = &http.Server{Handler: a.engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server.AdminServer serve")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("server.AdminServer listening")
	return ln.Addr(), nil
}

// Shutdown lets in-flight admin requests finish, such as the /close that
// stopped the server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
