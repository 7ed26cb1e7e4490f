package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	api "github.com/kernelgate/kbus/internal/api/http"
	"github.com/kernelgate/kbus/internal/bus"
	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/infrastructure/config"
	"github.com/kernelgate/kbus/internal/infrastructure/logging"
	"github.com/kernelgate/kbus/internal/infrastructure/monitoring"
	"github.com/kernelgate/kbus/internal/shared/types"
	"github.com/kernelgate/kbus/internal/transport/ws"
)

// Server wires the engine domain to its HTTP and websocket surfaces.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	domain  *bus.Domain
	metrics *monitoring.Metrics
	httpSrv *http.Server
}

// New builds the daemon: domain, default bus, transport and routes.
func New(cfg *config.Config) (*Server, error) {
	var log *logging.Logger
	if cfg.Logging.Development {
		log = logging.NewDevelopment()
	} else {
		lc := logging.DefaultConfig()
		lc.Level = cfg.Logging.Level
		l, err := logging.New(lc)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		log = l
	}

	metrics := monitoring.NewMetrics()
	domain := bus.NewDomain(cfg.Engine, log, metrics)

	src := processSource()
	busName := fmt.Sprintf("%d-system", src.Creds.UID)
	if _, err := domain.BusCreate(busName, src, types.BloomParameter{}); err != nil {
		return nil, fmt.Errorf("create default bus: %w", err)
	}

	wsHandler := ws.NewHandler(domain, src, cfg.RateLimit, log, metrics)
	handlers := api.NewHandlers(domain, metrics)
	router := api.NewRouter(cfg, handlers, wsHandler, metrics)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	log.Info("daemon initialized",
		zap.String("addr", addr),
		zap.String("bus", busName),
		zap.Uint32("uid", src.Creds.UID))

	return &Server{
		cfg:     cfg,
		log:     log,
		domain:  domain,
		metrics: metrics,
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Logger returns the daemon logger.
func (s *Server) Logger() *logging.Logger { return s.log }

// Run serves until the listener closes. It returns nil after a clean
// Shutdown.
func (s *Server) Run() error {
	s.log.Info("serving", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, then disconnects every bus. Live
// websocket sessions observe the engine shutdown through their
// connections closing.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	err := s.httpSrv.Shutdown(ctx)
	s.domain.Shutdown()
	_ = s.log.Sync()
	return err
}

// processSource captures the daemon's own identity. Every transport
// session connects as this principal.
func processSource() *meta.Source {
	pid := uint32(os.Getpid())
	src := &meta.Source{
		Creds: types.Credentials{
			UID: uint32(os.Getuid()),
			GID: uint32(os.Getgid()),
			PID: pid,
			TID: pid,
		},
		Cmdline: strings.Join(os.Args, " "),
	}
	if exe, err := os.Executable(); err == nil {
		src.Exe = exe
		src.PIDComm = filepath.Base(exe)
		src.TIDComm = src.PIDComm
	}
	return src
}
