// Package server exposes the runtime over a deliberately thin HTTP surface:
// create sessions and executions, observe them, drive runtime-mode steps,
// and verify citations. Drivers own the conversation; the server only
// accepts commands and reports state.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/execution"
	"github.com/rlmrs/rlmrs/pkg/llms"
	"github.com/rlmrs/rlmrs/pkg/metastore"
	"github.com/rlmrs/rlmrs/pkg/observability"
	"github.com/rlmrs/rlmrs/pkg/orchestrator"
	"github.com/rlmrs/rlmrs/pkg/search"
	"github.com/rlmrs/rlmrs/pkg/session"
	"github.com/rlmrs/rlmrs/pkg/tokens"
)

// Options configures a Server.
type Options struct {
	Config *config.Config

	// ConfigLoader, when set, delivers live config reloads (serve --watch).
	ConfigLoader *config.Loader

	// Host and Port override the config values when non-zero.
	Host string
	Port int

	// Meta, Blobs, LLMs, and Search override config-driven construction.
	// Tests inject in-memory stores and scripted providers here.
	Meta   metastore.Store
	Blobs  blob.Store
	LLMs   *llms.Registry
	Search search.Provider

	Logger *slog.Logger
}

// Server wires storage, providers, and the orchestrator behind HTTP.
type Server struct {
	cfg  *config.Config
	opts Options

	logger *slog.Logger

	obs        *observability.Manager
	meta       metastore.Store
	blobs      blob.Store
	llms       *llms.Registry
	search     search.Provider
	sessions   *session.Service
	executions *execution.Service
	orch       *orchestrator.Orchestrator
	dispatcher *orchestrator.Dispatcher

	// ownsStorage marks components built from config, closed on cleanup.
	// Injected overrides stay open for their owner.
	ownsStorage bool

	httpServer *http.Server
	baseCtx    context.Context
	baseCancel context.CancelFunc

	stopOnce   sync.Once
	stopChan   chan struct{}
	reloadChan chan *config.Config
	doneChan   chan struct{}
	serveErr   chan error
}

// New creates a server. Nothing is opened until Start.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		cfg:        opts.Config,
		opts:       opts,
		logger:     opts.Logger,
		stopChan:   make(chan struct{}),
		reloadChan: make(chan *config.Config, 1),
		doneChan:   make(chan struct{}),
		serveErr:   make(chan error, 1),
	}

	if opts.ConfigLoader != nil {
		opts.ConfigLoader.SetOnChange(func(next *config.Config) {
			select {
			case s.reloadChan <- next:
			default:
				// A reload is already queued; the latest config wins
				// when the lifecycle loop drains the channel.
			}
		})
	}

	return s, nil
}

// Start opens storage, builds the orchestrator, and begins serving.
// It returns once the listener is bound; Wait blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.initialize(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if err := s.listen(); err != nil {
		s.cleanup(context.Background())
		return err
	}

	s.logger.Info("server listening",
		"addr", s.addr(),
		"metadata", s.cfg.Storage.Metadata.Driver,
		"object", s.cfg.Storage.Object.Driver,
	)

	go s.runLifecycle()
	return nil
}

// Wait blocks until the server has fully stopped.
func (s *Server) Wait() {
	<-s.doneChan
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })

	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) addr() string {
	host := s.cfg.Server.Host
	if s.opts.Host != "" {
		host = s.opts.Host
	}
	port := s.cfg.Server.Port
	if s.opts.Port != 0 {
		port = s.opts.Port
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// initialize builds every component from the current config.
func (s *Server) initialize(ctx context.Context) error {
	s.obs = observability.NewManager(s.cfg.Observability)
	if err := s.obs.Initialize(ctx); err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	if s.opts.Meta != nil && s.opts.Blobs != nil {
		s.meta = s.opts.Meta
		s.blobs = s.opts.Blobs
		s.ownsStorage = false
	} else {
		meta, err := metastore.New(s.cfg.Storage.Metadata)
		if err != nil {
			return fmt.Errorf("metadata store: %w", err)
		}
		blobs, err := blob.New(ctx, s.cfg.Storage.Object)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		s.meta = meta
		s.blobs = blobs
		s.ownsStorage = true
	}

	if s.opts.LLMs != nil {
		s.llms = s.opts.LLMs
	} else {
		reg, err := llms.NewRegistry(ctx, s.cfg.Providers)
		if err != nil {
			return fmt.Errorf("llm providers: %w", err)
		}
		s.llms = reg
	}

	if s.opts.Search != nil {
		s.search = s.opts.Search
	} else if len(s.cfg.Providers.Search) > 0 {
		// A single configured search backend serves every session.
		for name, sc := range s.cfg.Providers.Search {
			prov, err := search.NewProvider(sc, s.cfg.Providers.Embedder)
			if err != nil {
				return fmt.Errorf("search provider %q: %w", name, err)
			}
			s.search = prov
			break
		}
	}

	s.sessions = session.NewService(s.meta, s.cfg.Runtime.SessionTTL, s.logger)
	s.executions = execution.NewService(s.meta, s.logger)

	s.orch = orchestrator.New(orchestrator.Options{
		Config:     s.cfg,
		Meta:       s.meta,
		Blobs:      s.blobs,
		Sessions:   s.sessions,
		Executions: s.executions,
		LLMs:       s.llms,
		Search:     s.search,
		Counter:    tokens.NewCounter(""),
		Metrics:    s.obs.Metrics(),
		Logger:     s.logger,
	})

	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.dispatcher = orchestrator.NewDispatcher(s.baseCtx, s.orch, s.cfg.Runtime.Workers)
	return nil
}

// listen binds the address and starts serving in the background. Binding
// synchronously surfaces port conflicts to the caller.
func (s *Server) listen() error {
	ln, err := net.Listen("tcp", s.addr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr(), err)
	}

	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.serveErr <- err:
			default:
			}
		}
	}()
	return nil
}

// runLifecycle owns the serve/reload/stop loop. A config change tears the
// component stack down and rebuilds it; in-flight executions finish their
// current turn and the next driver picks them up through the lease.
func (s *Server) runLifecycle() {
	defer close(s.doneChan)

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case err := <-s.serveErr:
			s.logger.Error("http serve failed", "error", err)
			s.shutdown()
			return

		case next := <-s.reloadChan:
			s.logger.Info("configuration changed, restarting components")
			if err := s.reload(next); err != nil {
				s.logger.Error("reload failed, keeping previous configuration", "error", err)
				continue
			}
			s.logger.Info("configuration applied", "addr", s.addr())
		}
	}
}

func (s *Server) reload(next *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown during reload did not drain", "error", err)
	}
	s.cleanup(ctx)

	prev := s.cfg
	s.cfg = next
	if err := s.initialize(ctx); err != nil {
		s.cfg = prev
		if rerr := s.initialize(ctx); rerr != nil {
			return fmt.Errorf("reinit with previous config also failed: %w (reload error: %v)", rerr, err)
		}
		if rerr := s.listen(); rerr != nil {
			return fmt.Errorf("rebind with previous config failed: %w (reload error: %v)", rerr, err)
		}
		return err
	}
	return s.listen()
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("graceful shutdown did not drain", "error", err)
		}
	}
	s.cleanup(ctx)

	if s.opts.ConfigLoader != nil {
		if err := s.opts.ConfigLoader.Close(); err != nil {
			s.logger.Warn("config loader close failed", "error", err)
		}
	}
	s.logger.Info("server stopped")
}

// cleanup stops workers and closes owned components, in dependency order.
func (s *Server) cleanup(ctx context.Context) {
	if s.baseCancel != nil {
		s.baseCancel()
	}
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	if s.llms != nil && s.opts.LLMs == nil {
		if err := s.llms.Close(); err != nil {
			s.logger.Warn("llm registry close failed", "error", err)
		}
	}
	if s.search != nil && s.opts.Search == nil {
		if err := s.search.Close(); err != nil {
			s.logger.Warn("search provider close failed", "error", err)
		}
	}
	if s.ownsStorage {
		if err := s.blobs.Close(); err != nil {
			s.logger.Warn("object store close failed", "error", err)
		}
		if err := s.meta.Close(); err != nil {
			s.logger.Warn("metadata store close failed", "error", err)
		}
	}
	if s.obs != nil {
		if err := s.obs.Shutdown(ctx); err != nil {
			s.logger.Warn("observability shutdown failed", "error", err)
		}
	}
}
