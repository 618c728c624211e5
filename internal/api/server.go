package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/fragnet/internal/config"
	"github.com/energizer-project/fragnet/internal/db"
	"github.com/energizer-project/fragnet/internal/health"
	"github.com/energizer-project/fragnet/internal/master"
	"github.com/energizer-project/fragnet/internal/network"
	"github.com/energizer-project/fragnet/internal/scheduler"
	"github.com/energizer-project/fragnet/internal/server"
	"github.com/energizer-project/fragnet/internal/util"
)

// MasterStatus is satisfied by *master.Server.
type MasterStatus interface {
	Status() master.Status
}

// GameStatus is satisfied by *server.Server.
type GameStatus interface {
	Status() server.StatusSnapshot
}

// History is satisfied by *db.HistoryStore.
type History interface {
	Recent(ctx context.Context, limit int) ([]db.HistoryEntry, error)
	CountByEvent(ctx context.Context) (map[string]int, error)
}

// HealthReporter is satisfied by *health.Manager.
type HealthReporter interface {
	Results() []health.Result
	Overall() health.Status
}

// LagReporter is satisfied by *scheduler.LagMonitor.
type LagReporter interface {
	GetAllLoopData() map[string]scheduler.LoopLagData
}

// Providers are the state sources behind the API. Any of them may be nil;
// the matching endpoints then answer 404.
type Providers struct {
	Role    string // "gameserver" or "masterserver"
	Master  MasterStatus
	Game    GameStatus
	History History
	Health  HealthReporter
	Lag     LagReporter
}

// Server is the read-only HTTP status API.
type Server struct {
	cfg       config.APIConfig
	providers Providers
	logger    zerolog.Logger
	started   time.Time

	httpServer *http.Server
	router     *gin.Engine
	addr       net.Addr
	ready      chan struct{}
	readyOnce  sync.Once
}

// NewServer creates an API server. The router is built immediately so it
// can be exercised without a listener.
func NewServer(cfg config.APIConfig, logLevel string, providers Providers) *Server {
	if logLevel == "debug" || logLevel == "trace" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		providers: providers,
		logger:    log.With().Str("component", "api").Logger(),
		started:   time.Now(),
		ready:     make(chan struct{}),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once Start has begun listening, or nil.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindIP, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR so a restarted process can rebind at once
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if s.cfg.TLSEnabled {
		if err := util.EnsureCertificate(s.cfg.TLSCertFile, s.cfg.TLSKeyFile, s.cfg.BindIP, "localhost"); err != nil {
			ln.Close()
			return fmt.Errorf("API server certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("API server certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	s.readyOnce.Do(func() {
		s.addr = ln.Addr()
		close(s.ready)
	})
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.TLSEnabled).
		Str("role", s.providers.Role).
		Msg("status API listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(IPWhitelist(s.cfg.IPWhitelist))
	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleGetVersion)
	}

	api := router.Group("/api")
	{
		api.GET("/servers", s.handleGetServers)
		api.GET("/players", s.handleGetPlayers)
		api.GET("/stats", s.handleGetStats)
		api.GET("/history", s.handleGetHistory)
		api.GET("/health", s.handleGetHealth)
		api.GET("/lag", s.handleGetLag)
		api.GET("/system", s.handleGetSystem)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}
