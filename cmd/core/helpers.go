package core

import (
	"context"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/juliankiedaisch/deskgate/allocator"
	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/engine"
	"github.com/juliankiedaisch/deskgate/registry"
	"github.com/juliankiedaisch/deskgate/utils"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitRegistry opens the registry database, creating the data dir if needed.
// Callers own the returned handle and must Close it.
func InitRegistry(conf *config.Config) (*registry.Registry, error) {
	if err := utils.EnsureDirs(conf.DataDir); err != nil {
		return nil, err
	}
	reg, err := registry.Open(conf.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return reg, nil
}

// InitEngine builds the engine client and verifies the socket answers.
func InitEngine(ctx context.Context, conf *config.Config) (*engine.Engine, error) {
	eng := engine.New(conf.Engine)
	if err := eng.Ping(ctx); err != nil {
		return nil, fmt.Errorf("engine unreachable: %w", err)
	}
	return eng, nil
}

// InitStack wires registry, engine, and allocator for one-shot commands.
// The sink is nil: CLI invocations have no event subscribers.
func InitStack(ctx context.Context, conf *config.Config) (*registry.Registry, *engine.Engine, *allocator.Allocator, error) {
	reg, err := InitRegistry(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	eng, err := InitEngine(ctx, conf)
	if err != nil {
		_ = reg.Close()
		return nil, nil, nil, err
	}
	return reg, eng, allocator.New(reg, eng, conf, nil), nil
}

// FormatAge renders a timestamp as a human-readable age ("2 hours ago").
// Zero times render as "-".
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}
