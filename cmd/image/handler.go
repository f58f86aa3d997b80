package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/juliankiedaisch/deskgate/allocator"
	cmdcore "github.com/juliankiedaisch/deskgate/cmd/core"
	"github.com/juliankiedaisch/deskgate/registry"
	"github.com/juliankiedaisch/deskgate/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initRegistry is the shared init: catalog commands never touch the engine.
func (h Handler) initRegistry(cmd *cobra.Command) (context.Context, *registry.Registry, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	reg, err := cmdcore.InitRegistry(conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, reg, nil
}

// Add upserts a catalog entry. Re-adding an existing name updates its image
// and description but leaves the enabled flag alone.
func (h Handler) Add(cmd *cobra.Command, args []string) error {
	ctx, reg, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	entry, imageRef := args[0], args[1]
	if !validName(entry) {
		return fmt.Errorf("invalid catalog name %q: must sanitize to [a-z0-9-]", entry)
	}
	parsed, err := name.ParseReference(imageRef)
	if err != nil {
		return fmt.Errorf("invalid image reference %q: %w", imageRef, err)
	}

	description, _ := cmd.Flags().GetString("description")
	disabled, _ := cmd.Flags().GetBool("disabled")

	if err := reg.AddDesktopImage(ctx, &types.DesktopImage{
		Name:        entry,
		Image:       imageRef,
		Description: description,
		Enabled:     !disabled,
	}); err != nil {
		return err
	}
	log.WithFunc("cmd.image.add").Infof(ctx, "catalog entry %s -> %s", entry, parsed.String())
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, reg, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	images, err := reg.ListDesktopImages(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(images) == 0 {
		fmt.Println("No catalog entries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tIMAGE\tENABLED\tCREATED\tDESCRIPTION")
	for _, img := range images {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			img.Name,
			img.Image,
			img.Enabled,
			img.CreatedAt.Local().Format(time.DateTime),
			img.Description,
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Enable(cmd *cobra.Command, args []string) error {
	return h.setEnabled(cmd, args, true)
}

func (h Handler) Disable(cmd *cobra.Command, args []string) error {
	return h.setEnabled(cmd, args, false)
}

// RM removes catalog entries. Removal only blocks new allocations; desktops
// already running from an entry keep running until stopped or swept.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, reg, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	logger := log.WithFunc("cmd.image.rm")
	var errs []error
	for _, entry := range args {
		if err := reg.DeleteDesktopImage(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry, err))
			continue
		}
		logger.Infof(ctx, "removed: %s", entry)
	}
	return errors.Join(errs...)
}

func (h Handler) setEnabled(cmd *cobra.Command, names []string, enabled bool) error {
	ctx, reg, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close() //nolint:errcheck

	action, pastTense := "disable", "disabled"
	if enabled {
		action, pastTense = "enable", "enabled"
	}
	logger := log.WithFunc("cmd.image." + action)
	var errs []error
	for _, entry := range names {
		if err := reg.SetDesktopImageEnabled(ctx, entry, enabled); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry, err))
			continue
		}
		logger.Infof(ctx, "%s: %s", pastTense, entry)
	}
	return errors.Join(errs...)
}

// validName gates catalog names, which become DNS labels and URL path
// segments once an owner allocates from them.
func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range allocator.Sanitize(s) {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}
