package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/juliankiedaisch/deskgate/cmd/core"
	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/registry"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initRegistry is the shared init: session commands never touch the engine.
func (h Handler) initRegistry(cmd *cobra.Command) (context.Context, *config.Config, *registry.Registry, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := cmdcore.InitRegistry(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, conf, reg, nil
}

// Issue mints a session token. The token is the only thing written to
// stdout, so scripts can capture it directly; everything else goes to the
// log on stderr.
func (h Handler) Issue(cmd *cobra.Command, _ []string) error {
	ctx, conf, reg, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	owner, _ := cmd.Flags().GetString("owner")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = conf.SessionTTL()
	}

	sess, err := reg.IssueSession(ctx, owner, ttl)
	if err != nil {
		return fmt.Errorf("issue: %w", err)
	}
	fmt.Println(sess.ID)
	log.WithFunc("cmd.session.issue").Infof(ctx, "session for %s expires %s",
		owner, sess.ExpiresAt.Local().Format(time.DateTime))
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, _, reg, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	sessions, err := reg.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tOWNER\tSTATE\tCURRENT INSTANCE\tCREATED\tEXPIRES")
	for _, s := range sessions {
		state := "valid"
		if s.Expired(now) {
			state = "expired"
		}
		current := s.CurrentInstance
		if current == "" {
			current = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.OwnerID,
			state,
			current,
			s.CreatedAt.Local().Format(time.DateTime),
			s.ExpiresAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Revoke(cmd *cobra.Command, args []string) error {
	ctx, _, reg, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	logger := log.WithFunc("cmd.session.revoke")
	var errs []error
	for _, id := range args {
		if err := reg.RevokeSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		logger.Infof(ctx, "revoked: %s", id)
	}
	return errors.Join(errs...)
}
