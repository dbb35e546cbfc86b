package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/searchfolder/internal/config"
	"github.com/syntrixbase/searchfolder/internal/logging"
	"github.com/syntrixbase/searchfolder/internal/notify"
	"github.com/syntrixbase/searchfolder/internal/objectstore"
	"github.com/syntrixbase/searchfolder/internal/objectstore/mem_store"
	"github.com/syntrixbase/searchfolder/internal/objectstore/mongo"
	"github.com/syntrixbase/searchfolder/internal/searchfolder"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigDir string
	Demo      bool
}

// NewRootCommand creates the searchfolderd root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "searchfolderd",
		Short:         "Search folder service",
		Long:          "Maintains persistent search folders over a groupware message store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", "config", "directory holding config.yml and config.local.yml")
	cmd.PersistentFlags().BoolVar(&opts.Demo, "demo", false, "use an in-memory object store seeded with sample data")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRestartCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	return cmd
}

// runtime is a started service with the resources it depends on.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	service  searchfolder.LocalService
	notifier notify.Notifier
	closers  []func(context.Context) error
}

// openRuntime loads configuration, connects the object store and notifier,
// then starts the service and loads its folders.
func openRuntime(ctx context.Context, opts *RootOptions) (*runtime, error) {
	cfg, err := config.LoadConfig(opts.ConfigDir)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: slog.Default()}

	objects, err := rt.openObjects(ctx, opts.Demo)
	if err != nil {
		rt.close(ctx)
		return nil, err
	}

	rt.notifier = notify.Nop{}
	if cfg.Notify.Enabled {
		n, err := notify.ConnectNATS(cfg.Notify.NATS, rt.logger)
		if err != nil {
			rt.close(ctx)
			return nil, err
		}
		rt.notifier = n
		rt.closers = append(rt.closers, func(context.Context) error { return n.Close() })
	}

	svc, err := searchfolder.NewService(cfg.SearchFolders, objects, rt.notifier, rt.logger)
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		rt.close(ctx)
		return nil, err
	}
	rt.service = svc

	if err := svc.LoadSearchFolders(ctx); err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("failed to load search folders: %w", err)
	}
	return rt, nil
}

func (rt *runtime) openObjects(ctx context.Context, demo bool) (objectstore.Store, error) {
	if demo {
		return demoStore(), nil
	}
	switch rt.cfg.Objects.Backend {
	case config.ObjectsMemory:
		return mem_store.New(), nil
	default:
		objects, disconnect, err := mongo.Connect(ctx, rt.cfg.Objects.Mongo)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		rt.closers = append(rt.closers, disconnect)
		return objects, nil
	}
}

// close stops the service first, then releases the rest in reverse order.
func (rt *runtime) close(ctx context.Context) {
	if rt.service != nil {
		if err := rt.service.Stop(ctx); err != nil {
			rt.logger.Error("failed to stop search folder service", "error", err)
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("failed to release resource", "error", err)
		}
	}
	if err := logging.Shutdown(); err != nil {
		rt.logger.Warn("failed to close log files", "error", err)
	}
}

// demoStore is a small mailbox: an inbox with a nested folder and one
// search folder.
func demoStore() *mem_store.Store {
	s := mem_store.New()
	s.AddFolder(1, 10, 0, false)
	s.AddFolder(1, 11, 10, false)
	s.AddFolder(1, 90, 0, true)
	subjects := []string{"Quarterly report", "Lunch?", "Re: Quarterly report", "Build failed", "Invoice"}
	for i, subject := range subjects {
		folder := uint32(10)
		if i%2 == 1 {
			folder = 11
		}
		s.PutMessage(1, folder, uint32(i+1),
			model.String(model.TagSubject, subject),
			model.Long(model.TagImportance, int32(i%3)),
		)
	}
	return s
}
