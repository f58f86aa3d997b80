package desktop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/juliankiedaisch/deskgate/allocator"
	cmdcore "github.com/juliankiedaisch/deskgate/cmd/core"
	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/engine"
	"github.com/juliankiedaisch/deskgate/monitor"
	"github.com/juliankiedaisch/deskgate/registry"
	"github.com/juliankiedaisch/deskgate/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// stack bundles the lifecycle dependencies for one command invocation.
type stack struct {
	conf  *config.Config
	reg   *registry.Registry
	eng   *engine.Engine
	alloc *allocator.Allocator
}

func (s *stack) close() {
	s.reg.Close() //nolint:errcheck,gosec
}

// initStack is the shared init for commands that drive the engine.
func (h Handler) initStack(cmd *cobra.Command) (context.Context, *stack, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	reg, eng, alloc, err := cmdcore.InitStack(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, &stack{conf: conf, reg: reg, eng: eng, alloc: alloc}, nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, s, err := h.initStack(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	owner, _ := cmd.Flags().GetString("owner")
	sessionRef, _ := cmd.Flags().GetString("session")

	inst, err := s.alloc.Start(ctx, owner, args[0], sessionRef)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger := log.WithFunc("cmd.desktop.start")
	logger.Infof(ctx, "desktop %s running: %s on port %d", inst.ID, inst.ContainerName, inst.HostPort)
	logger.Infof(ctx, "serving under %s/%s/", s.conf.DesktopRoot, inst.ProxyPath)
	return nil
}

// List reads the registry only, so it keeps working while the engine is
// down. Status values reflect the last reconcile; inspect forces a fresh one.
func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	reg, err := cmdcore.InitRegistry(conf)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	owner, _ := cmd.Flags().GetString("owner")
	var instances []*types.Instance
	if owner != "" {
		instances, err = reg.ListByOwner(ctx, owner)
	} else {
		instances, err = reg.ListInstances(ctx)
	}
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(instances) == 0 {
		fmt.Println("No desktops found.")
		return nil
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].CreatedAt.Before(instances[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tOWNER\tIMAGE\tSTATUS\tPORT\tPROXY PATH\tCREATED\tLAST ACCESS")
	for _, inst := range instances {
		var last time.Time
		if inst.LastAccessed != nil {
			last = *inst.LastAccessed
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			inst.ID,
			inst.OwnerID,
			inst.ImageRef,
			inst.Status,
			inst.HostPort,
			inst.ProxyPath,
			inst.CreatedAt.Local().Format(time.DateTime),
			cmdcore.FormatAge(last),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, s, err := h.initStack(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	inst, err := resolveInstance(ctx, s.reg, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	out, err := s.alloc.Status(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, s, err := h.initStack(cmd)
	if err != nil {
		return err
	}
	defer s.close()
	return batch(ctx, s.reg, "stop", "stopped", s.alloc.Stop, args)
}

func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, s, err := h.initStack(cmd)
	if err != nil {
		return err
	}
	defer s.close()
	return batch(ctx, s.reg, "rm", "removed", s.alloc.Remove, args)
}

// Sweep runs the same housekeeping cycle the daemon runs on its timer.
// Useful after crashes and in cron-driven setups that do not keep the
// daemon running.
func (h Handler) Sweep(cmd *cobra.Command, _ []string) error {
	ctx, s, err := h.initStack(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if err := monitor.New(s.reg, s.alloc, s.eng, s.conf).RunOnce(ctx); err != nil {
		return err
	}
	log.WithFunc("cmd.desktop.sweep").Info(ctx, "sweep complete")
	return nil
}

// batch applies op to every ref, logging successes and collecting failures
// so one bad desktop does not shield the rest from the command.
func batch(ctx context.Context, reg *registry.Registry, name, pastTense string, op func(context.Context, string) error, refs []string) error {
	logger := log.WithFunc("cmd.desktop." + name)
	var errs []error
	done := 0
	for _, ref := range refs {
		inst, err := resolveInstance(ctx, reg, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		if err := op(ctx, inst.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		logger.Infof(ctx, "%s: %s (%s)", pastTense, inst.ID, inst.ProxyPath)
		done++
	}
	if done == 0 && len(errs) == 0 {
		logger.Infof(ctx, "no desktops %s", pastTense)
	}
	return errors.Join(errs...)
}

// resolveInstance maps a user-supplied ref, either a record ID or a proxy
// path, to its instance. Proxy paths prefer the newest record when retired
// duplicates share the name.
func resolveInstance(ctx context.Context, reg *registry.Registry, ref string) (*types.Instance, error) {
	inst, err := reg.GetInstance(ctx, ref)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	all, err := reg.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	var match *types.Instance
	for _, cand := range all {
		if cand.ProxyPath != ref {
			continue
		}
		if match == nil || cand.CreatedAt.After(match.CreatedAt) {
			match = cand
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no desktop matches %q: %w", ref, types.ErrNotFound)
	}
	return match, nil
}
