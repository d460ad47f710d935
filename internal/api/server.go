package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recky/print-agent/internal/api/handlers"
	"github.com/recky/print-agent/internal/api/middleware"
	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/logger"
)

// Deps are the live components the control API exposes. Journal may be nil.
type Deps struct {
	AgentName  string
	Connection handlers.Connection
	Queue      handlers.Queue
	Journal    handlers.JobLister
	Log        logger.Logger
}

const (
	loginEvery = 12 * time.Second
	loginBurst = 5
)

func NewRouter(cfg config.ControlConfig, deps Deps) (*gin.Engine, error) {
	auth, err := middleware.NewAuthMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	limiter := middleware.NewRateLimiter(loginEvery, loginBurst)
	api.POST("/login", limiter.Middleware(), auth.LoginHandler)
	api.POST("/logout", auth.LogoutHandler)

	protected := api.Group("")
	protected.Use(auth.RequireAuth())
	handlers.NewAgentHandler(deps.AgentName, deps.Connection, deps.Queue).RegisterRoutes(protected)
	handlers.NewJobHandler(deps.Journal).RegisterRoutes(protected)

	return r, nil
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			log.Warnf("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
			return
		}
		log.Debugf("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}

// Server is the local control endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log logger.Logger
}

// Listen binds addr so that a busy port is reported as a startup error.
func Listen(addr string, handler http.Handler, log logger.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control api: listen on %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:  ln,
		log: log,
	}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve runs until Shutdown.
func (s *Server) Serve() {
	s.log.Infof("control api listening on %s", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Errorf("control api stopped: %v", err)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
