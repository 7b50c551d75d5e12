package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/server"
)

// ServeCmd starts the HTTP runtime service.
type ServeCmd struct {
	// Zero-config options: a provider flag stands in for a config file.
	Provider string `help:"LLM provider for zero-config mode (anthropic, openai, gemini, stub)."`
	Model    string `help:"Model name for zero-config mode."`
	APIKey   string `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
	BaseURL  string `name:"base-url" help:"Custom API base URL."`

	// Storage overrides for zero-config mode.
	Metadata    string `help:"Metadata driver (sqlite, postgres, mysql, memory)." placeholder:"DRIVER"`
	MetadataDSN string `name:"metadata-dsn" help:"Metadata connection string." placeholder:"DSN"`
	Objects     string `help:"Object driver (s3, fs, memory)." placeholder:"DRIVER"`
	ObjectsRoot string `name:"objects-root" help:"Root directory for the fs object driver." type:"path"`

	Host  string `help:"Host to bind."`
	Port  int    `help:"Port to listen on."`
	Watch bool   `help:"Watch the config file and apply changes live."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Config:       cfg,
		ConfigLoader: loader,
		Host:         c.Host,
		Port:         c.Port,
		Logger:       slog.Default(),
	})
	if err != nil {
		return err
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch failed", "error", err)
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stopCancel()
		if err := srv.Stop(stopCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()

	srv.Wait()
	return nil
}

// loadConfig reads the config file, or assembles a zero-config setup from
// flags when no file is given.
func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path != "" {
		cfg, loader, err := config.LoadConfigFile(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		c.applyOverrides(cfg)
		return cfg, loader, nil
	}

	if c.Provider == "" {
		return nil, nil, fmt.Errorf("either --config or --provider is required")
	}

	cfg := config.Default()
	cfg.Providers.LLM = map[string]config.LLMConfig{
		"default": {
			Provider: config.LLMProvider(c.Provider),
			Model:    c.Model,
			APIKey:   c.APIKey,
			BaseURL:  c.BaseURL,
		},
	}
	c.applyOverrides(cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, nil, nil
}

func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Metadata != "" {
		cfg.Storage.Metadata.Driver = config.MetadataDriver(c.Metadata)
	}
	if c.MetadataDSN != "" {
		cfg.Storage.Metadata.DSN = c.MetadataDSN
	}
	if c.Objects != "" {
		cfg.Storage.Object.Driver = config.ObjectDriver(c.Objects)
	}
	if c.ObjectsRoot != "" {
		cfg.Storage.Object.Root = c.ObjectsRoot
	}
}
