// Pimmirror mirrors macOS PIM data (mail accounts, calendars) into a local
// SQLite store and keeps it incrementally synchronized.
//
// Usage:
//
//	pimmirror sync [--full] [partition...]   # one sync pass then exit
//	pimmirror watch                          # continuous watch loop
//	pimmirror search <terms...>              # full-text search over the mirror
//	pimmirror show <stable-id>               # dump one mirrored record
//	pimmirror checkpoints                    # per-partition cursor state
//	pimmirror checkpoints reset <partition>  # force a full resync
//	pimmirror purge [--older-than 720h]      # drop long-soft-deleted rows
//	pimmirror version                        # print version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pimmirror/pimmirror/internal/config"
	"github.com/pimmirror/pimmirror/internal/mirror"
	"github.com/pimmirror/pimmirror/internal/source/maildir"
	syncp "github.com/pimmirror/pimmirror/internal/sync"
	"github.com/pimmirror/pimmirror/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pimmirror",
		Short:         "Mirror macOS mail and calendar data into a local searchable store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagVerbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
		},
	}

	defaultCfg, _ := config.DefaultPath()
	root.PersistentFlags().StringVar(&flagConfig, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newSyncCmd(),
		newWatchCmd(),
		newSearchCmd(),
		newShowCmd(),
		newCheckpointsCmd(),
		newPurgeCmd(),
		newVersionCmd(),
	)
	return root
}

// --- sync / watch ------------------------------------------------------------

func newSyncCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync [partition...]",
		Short: "Run one sync pass over all (or the named) partitions, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ *config.Config, orch *syncp.Orchestrator, logger *slog.Logger) error {
				if len(args) == 0 {
					results, err := orch.RunAll(ctx, full)
					printResults(results)
					return err
				}
				var firstErr error
				for _, partition := range args {
					var res syncp.Result
					var err error
					if full {
						res, err = orch.RunFull(ctx, partition)
					} else {
						res, err = orch.RunIncremental(ctx, partition)
					}
					printResults([]syncp.Result{res})
					if err != nil {
						logger.Error("partition sync failed", "partition", partition, "error", err)
						if firstErr == nil {
							firstErr = err
						}
					}
				}
				return firstErr
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "full resync: fetch everything and detect deletions from absence")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the continuous incremental sync loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ *config.Config, orch *syncp.Orchestrator, logger *slog.Logger) error {
				err := orch.Watch(ctx)
				if errors.Is(err, context.Canceled) {
					logger.Info("shutdown complete")
					return nil
				}
				return err
			})
		},
	}
}

func printResults(results []syncp.Result) {
	for _, res := range results {
		mode := "incremental"
		if res.FullSync {
			mode = "full"
		}
		fmt.Printf("%-20s %-11s added=%d updated=%d soft_deleted=%d skipped=%d warnings=%d (%s)\n",
			res.Partition, mode, res.Added, res.Updated, res.SoftDeleted,
			res.Skipped, len(res.Warnings), res.Duration.Round(time.Millisecond))
		for _, w := range res.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
}

// --- read-only commands ------------------------------------------------------

func newSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <terms...>",
		Short: "Full-text search over live mirrored records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *mirror.Store) error {
				recs, err := store.Search(ctx, strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					fmt.Printf("%s  %-7s %-20s %s\n", rec.StableID, rec.Kind, rec.Partition, rec.Title)
				}
				if len(recs) == 0 {
					fmt.Println("no matches")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <stable-id>",
		Short: "Print one mirrored record by stable ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *mirror.Store) error {
				rec, err := store.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("no record with stable ID %q", args[0])
				}

				fmt.Printf("stable_id:  %s\n", rec.StableID)
				fmt.Printf("partition:  %s\n", rec.Partition)
				fmt.Printf("kind:       %s\n", rec.Kind)
				fmt.Printf("title:      %s\n", rec.Title)
				if rec.From != "" {
					fmt.Printf("from:       %s\n", rec.From)
				}
				if rec.To != "" {
					fmt.Printf("to:         %s\n", rec.To)
				}
				if rec.Location != "" {
					fmt.Printf("location:   %s\n", rec.Location)
				}
				if rec.StartsAt != nil {
					fmt.Printf("starts_at:  %s\n", rec.StartsAt.Format(time.RFC3339))
				}
				if rec.EndsAt != nil {
					fmt.Printf("ends_at:    %s\n", rec.EndsAt.Format(time.RFC3339))
				}
				if rec.MasterStableID != "" {
					fmt.Printf("master:     %s\n", rec.MasterStableID)
				}
				if rec.SourceDurableID != "" {
					fmt.Printf("durable_id: %s\n", rec.SourceDurableID)
				}
				fmt.Printf("updated:    %s\n", rec.UpdatedAtSource.Format(time.RFC3339))
				fmt.Printf("synced:     %s\n", rec.SyncedAt.Format(time.RFC3339))
				if rec.DeletedAt != nil {
					fmt.Printf("deleted:    %s\n", rec.DeletedAt.Format(time.RFC3339))
				}
				for _, a := range rec.Attachments {
					fmt.Printf("attachment: %s (%s, %d bytes)\n", a.Filename, a.MIMEType, a.Size)
				}
				for _, a := range rec.Attendees {
					fmt.Printf("attendee:   %s <%s> %s\n", a.Name, a.Email, a.Status)
				}
				if rec.Body != "" {
					fmt.Printf("\n%s\n", rec.Body)
				}
				return nil
			})
		},
	}
}

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List per-partition sync checkpoint state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *mirror.Store) error {
				cps, err := store.Checkpoints(ctx)
				if err != nil {
					return err
				}
				if len(cps) == 0 {
					fmt.Println("no checkpoints (no partition has completed a sync yet)")
					return nil
				}
				for _, cp := range cps {
					lastFull := "never"
					if !cp.LastFullSyncAt.IsZero() {
						lastFull = cp.LastFullSyncAt.Format(time.RFC3339)
					}
					fmt.Printf("%-20s cursor=%q last_full=%s updated=%s\n",
						cp.Partition, cp.Cursor, lastFull, cp.UpdatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <partition>",
		Short: "Delete a partition's checkpoint, forcing a full resync next pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *mirror.Store) error {
				if err := store.ResetCheckpoint(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("checkpoint for %q reset\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Physically remove records soft-deleted longer ago than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *mirror.Store) error {
				n, err := store.Purge(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Printf("purged %d record(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of the soft-delete marker")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pimmirror", version)
		},
	}
}

// --- shared wiring -----------------------------------------------------------

// withStore opens the mirror store for read-only commands. These run safely
// while a sync is in flight: Apply is transactional and the store is in WAL
// mode, so readers never see a half-applied pass.
func withStore(fn func(context.Context, *mirror.Store) error) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", flagConfig, err)
	}
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return err
	}

	store, err := mirror.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening mirror at %q: %w", dbPath, err)
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return fn(ctx, store)
}

// withEngine builds the full sync stack (config, telemetry, store, source
// adapter, orchestrator) and runs fn with it.
func withEngine(fn func(context.Context, *config.Config, *syncp.Orchestrator, *slog.Logger) error) error {
	logger := slog.Default()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", flagConfig, err)
	}
	logger.Info("config loaded",
		"mail_root", cfg.MailRoot,
		"partitions", len(cfg.Partitions),
		"poll_interval", cfg.PollInterval,
	)

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return err
	}
	store, err := mirror.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening mirror at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing mirror", "error", closeErr)
		}
	}()
	logger.Info("mirror opened", "path", dbPath)

	adapter := maildir.NewAdapter(cfg.MailRoot, logger)
	reconciler := syncp.NewReconciler(cfg.ExpansionWindow, logger)
	orch := syncp.NewOrchestrator(adapter, store, reconciler, cfg.Partitions, syncp.Options{
		Interval:     cfg.PollInterval,
		FetchTimeout: cfg.FetchTimeout,
		MaxBackoff:   cfg.MaxBackoff,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// SIGHUP wakes the watch loop and unparks failed partitions so an
	// operator can trigger an immediate retry after fixing permissions.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			orch.Wake()
		}
	}()

	return fn(ctx, cfg, orch, logger)
}

func resolveDBPath(cfg *config.Config) (string, error) {
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	path, err := mirror.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving mirror path: %w", err)
	}
	return path, nil
}
