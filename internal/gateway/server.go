package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/logging"
)

// Server runs a Gateway on the configured listeners plus the admin listener.
type Server struct {
	config  *config.Config
	gateway *Gateway
	watcher *config.Watcher
	logger  *zap.Logger

	listeners map[string]net.Listener
	servers   []*http.Server
	admin     *http.Server
	adminLn   net.Listener

	group *errgroup.Group
	done  context.Context

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a server for cfg. When configPath is set the file, and
// the API directory it references, are watched and changes redeployed.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	logger := logging.Global()
	gw, err := New(cfg, Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		gateway:   gw,
		logger:    logger,
		listeners: make(map[string]net.Listener),
	}
	if configPath != "" {
		w, err := config.NewWatcher(configPath)
		if err != nil {
			gw.Close(context.Background())
			return nil, fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(s.apply)
		s.watcher = w
	}
	return s, nil
}

// Gateway returns the served gateway.
func (s *Server) Gateway() *Gateway { return s.gateway }

// Addr returns the bound address of a started listener, or of the admin
// listener for "admin".
func (s *Server) Addr(name string) string {
	if name == "admin" && s.adminLn != nil {
		return s.adminLn.Addr().String()
	}
	if ln, ok := s.listeners[name]; ok {
		return ln.Addr().String()
	}
	return ""
}

// Start deploys the configured APIs and starts serving. APIs failing to
// deploy are logged and left out.
func (s *Server) Start(ctx context.Context) error {
	if err := s.gateway.Apply(ctx, s.config); err != nil {
		s.logger.Warn("some apis were not deployed", zap.Error(err))
	}

	for _, lc := range s.config.Listeners {
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listener %s: %w", lc.Name, err)
		}
		s.listeners[lc.Name] = ln
		s.servers = append(s.servers, &http.Server{
			Handler:           s.gateway,
			ReadTimeout:       lc.ReadTimeout,
			WriteTimeout:      lc.WriteTimeout,
			IdleTimeout:       lc.IdleTimeout,
			ReadHeaderTimeout: lc.ReadHeaderTimeout,
		})
	}
	if s.config.Admin.Enabled {
		ln, err := net.Listen("tcp", s.config.Admin.Address)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("admin listener: %w", err)
		}
		s.adminLn = ln
		s.admin = &http.Server{
			Handler:           s.gateway.AdminHandler(s.config.Admin.MetricsPath),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	s.group, s.done = errgroup.WithContext(context.Background())
	for i, lc := range s.config.Listeners {
		srv, ln, name := s.servers[i], s.listeners[lc.Name], lc.Name
		s.group.Go(func() error { return serve(srv, ln, name) })
		s.logger.Info("listener started", zap.String("name", name), zap.String("address", ln.Addr().String()))
	}
	if s.admin != nil {
		s.group.Go(func() error { return serve(s.admin, s.adminLn, "admin") })
		s.logger.Info("admin listener started", zap.String("address", s.adminLn.Addr().String()))
	}

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.logger.Warn("config watcher not started", zap.Error(err))
		}
	}
	return nil
}

func serve(srv *http.Server, ln net.Listener, name string) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listener %s: %w", name, err)
	}
	return nil
}

// Run starts the server and blocks until ctx is done, a listener fails or
// SIGINT/SIGTERM is received, then shuts down gracefully. SIGHUP reloads the
// configuration.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				s.Reload()
				continue
			}
			s.logger.Info("shutting down", zap.String("signal", sig.String()))
			break loop
		case <-ctx.Done():
			break loop
		case <-s.done.Done():
			break loop
		}
	}

	err := s.Shutdown(context.Background())
	if werr := s.group.Wait(); werr != nil {
		return werr
	}
	return err
}

// Reload reloads the configuration file, if any.
func (s *Server) Reload() {
	if s.watcher == nil {
		s.logger.Warn("reload requested without a configuration file")
		return
	}
	s.watcher.Reload()
}

// apply redeploys the APIs of a reloaded configuration. Listener, admin and
// subscription settings need a restart.
func (s *Server) apply(cfg *config.Config) {
	if err := s.gateway.Apply(context.Background(), cfg); err != nil {
		s.logger.Error("configuration partially applied", zap.Error(err))
	}
}

// Shutdown switches the node to draining, waits the drain delay so clients
// move away, then stops the listeners and undeploys every API.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.gateway.Drain().Start()
	if d := s.config.Shutdown.DrainDelay; d > 0 {
		s.logger.Info("draining", zap.Duration("delay", d))
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}

	if s.watcher != nil {
		_ = s.watcher.Stop()
	}

	timeout := s.config.Shutdown.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.gateway.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("server shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	if s.adminLn != nil {
		_ = s.adminLn.Close()
	}
}
