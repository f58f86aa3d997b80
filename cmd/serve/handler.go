package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/juliankiedaisch/deskgate/allocator"
	cmdcore "github.com/juliankiedaisch/deskgate/cmd/core"
	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/engine"
	"github.com/juliankiedaisch/deskgate/lock/flock"
	"github.com/juliankiedaisch/deskgate/monitor"
	"github.com/juliankiedaisch/deskgate/server"
	"github.com/juliankiedaisch/deskgate/utils"
)

const enginePollInterval = time.Second

type Handler struct {
	cmdcore.BaseHandler
}

// Serve runs the daemon until the command context is canceled.
func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.serve")

	if err := utils.EnsureDirs(conf.DataDir, conf.RunDir); err != nil {
		return err
	}

	// One daemon per host; a stale lock from a crashed process is released
	// by the kernel, so no cleanup pass is needed.
	daemonLock := flock.New(conf.LockPath())
	held, err := daemonLock.TryLock(ctx)
	if err != nil {
		return err
	}
	if !held {
		if pid, err := utils.ReadPIDFile(conf.PIDPath()); err == nil && utils.IsProcessAlive(pid) {
			return fmt.Errorf("another deskgate daemon (pid %d) holds %s", pid, conf.LockPath())
		}
		return fmt.Errorf("another deskgate daemon holds %s", conf.LockPath())
	}
	defer daemonLock.Unlock(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := utils.WritePIDFile(conf.PIDPath(), os.Getpid()); err != nil {
		return err
	}
	defer os.Remove(conf.PIDPath()) //nolint:errcheck

	reg, err := cmdcore.InitRegistry(conf)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	// The container engine may still be booting when we are started at
	// system bring-up.
	eng := engine.New(conf.Engine)
	if err := utils.WaitFor(ctx, conf.ConnectTimeout(), enginePollInterval, func() (bool, error) {
		if err := eng.Ping(ctx); err != nil {
			logger.Debugf(ctx, "engine not ready: %v", err)
			return false, nil
		}
		return true, nil
	}); err != nil {
		return fmt.Errorf("wait for engine at %s: %w", eng.Socket(), err)
	}

	hub := server.NewHub()
	alloc := allocator.New(reg, eng, conf, hub)
	srv := server.New(conf, reg, alloc, hub)
	mon := monitor.New(reg, alloc, eng, conf)

	if err := writeState(conf, os.Getpid()); err != nil {
		logger.Warnf(ctx, "write state file: %v", err)
	}
	defer os.Remove(conf.StatePath()) //nolint:errcheck

	logger.Infof(ctx, "daemon up, pid %d, registry %s", os.Getpid(), conf.DBPath())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Infof(ctx, "daemon stopped")
	return nil
}

// writeState records the daemon's runtime coordinates for ops tooling.
func writeState(conf *config.Config, pid int) error {
	return utils.AtomicWriteJSON(conf.StatePath(), map[string]any{
		"pid":        pid,
		"listen":     conf.Listen,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	})
}
