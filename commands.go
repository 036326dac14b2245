package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deemkeen/trailpost/activitypub"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/fitness"
	"github.com/deemkeen/trailpost/util"
	"github.com/deemkeen/trailpost/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           util.Name,
		Short:         "Federated activity and fitness import worker",
		Version:       util.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newActorCommand(),
		newImportCommand(),
		newIngestCommand(),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job worker and the HTTP polling surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			a.log.Infow("Starting", "version", util.GetNameAndVersion(), "db", a.conf.Conf.DbPath,
				"storage", a.conf.Storage.Backend, "redis", a.conf.Queue.RedisAddr != "")

			if rq, ok := a.queue.(interface {
				Recover(context.Context) (int, error)
			}); ok {
				n, err := rq.Recover(ctx)
				if err != nil {
					return fmt.Errorf("failed to recover in-flight jobs: %w", err)
				}
				if n > 0 {
					a.log.Infow("Worker: requeued interrupted jobs", "count", n)
				}
			}

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.worker().Run(gCtx) })
			g.Go(func() error {
				return web.NewServer(a.db, a.counters, a.log).Serve(gCtx, a.conf)
			})
			return g.Wait()
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.ReadConf()
			if err != nil {
				return err
			}
			database, err := db.Open(cmd.Context(), conf.Conf.DbPath)
			if err != nil {
				return err
			}
			defer database.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", conf.Conf.DbPath)
			return nil
		},
	}
}

func localActorID(conf *util.AppConfig, username string) string {
	if strings.HasPrefix(username, "https://") {
		return username
	}
	return fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, username)
}

func newActorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <username>",
		Short: "Create a local actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			id := localActorID(a.conf, args[0])
			created, err := a.db.CreateActor(cmd.Context(), &domain.Actor{
				Id:           id,
				Username:     args[0],
				Domain:       a.conf.Conf.SslDomain,
				InboxURI:     id + "/inbox",
				OutboxURI:    id + "/outbox",
				FollowersURI: id + "/followers",
				Local:        true,
			})
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("actor %s already exists", id)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	})

	var (
		lat, lng float64
		radius   int
		reset    bool
	)
	privacy := &cobra.Command{
		Use:   "privacy <username>",
		Short: "Set the home location hidden from published traces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !reset && !fitness.ValidRadius(radius) {
				return fmt.Errorf("radius must be one of 0, 5, 10, 20 or 50 meters")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			id := localActorID(a.conf, args[0])
			if reset {
				return a.db.UpdateActorPrivacy(cmd.Context(), id, nil, nil, 0)
			}
			return a.db.UpdateActorPrivacy(cmd.Context(), id, &lat, &lng, radius)
		},
	}
	privacy.Flags().Float64Var(&lat, "lat", 0, "home latitude")
	privacy.Flags().Float64Var(&lng, "lng", 0, "home longitude")
	privacy.Flags().IntVar(&radius, "radius", 50, "privacy radius in meters")
	privacy.Flags().BoolVar(&reset, "clear", false, "remove the home location")
	cmd.AddCommand(privacy)
	return cmd
}

func newImportCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "import <username> <archive.zip>",
		Short: "Import a fitness export archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			imp, err := a.importer.Start(ctx, localActorID(a.conf, args[0]), data)
			if errors.Is(err, db.ErrImportInProgress) {
				return fmt.Errorf("an import is already running for %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Import %s started\n", imp.Id)

			// without redis nobody else will pick the jobs up
			if a.memory == nil && !wait {
				return nil
			}
			err = a.runUntil(ctx, func() bool {
				stored, err := a.db.ReadArchiveImport(ctx, imp.Id)
				return err == nil && stored.Resolved()
			})
			if err != nil {
				return err
			}
			stored, err := a.db.ReadArchiveImport(ctx, imp.Id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Import %s %s: %d completed, %d failed\n",
				stored.Id, stored.Status, stored.CompletedCount, stored.FailedCount)
			if stored.FirstFailureMessage != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "First failure: %s\n", stored.FirstFailureMessage)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "process the import in this process even when a redis queue is configured")
	return cmd
}

func newIngestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <activity.json|->",
		Short: "Queue an inbound ActivityPub activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			var (
				body []byte
				err  error
			)
			if args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := activitypub.Dispatch(ctx, a.queue, body, a.log); err != nil {
				return err
			}
			if a.memory == nil {
				return nil
			}
			timeout, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()
			return a.runUntil(timeout, a.memory.Idle)
		},
	}
}
