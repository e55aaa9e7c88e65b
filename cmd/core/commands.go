package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/backend/internal/config"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/metrics"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/services"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/conflict"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
)

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	return cfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// initLogging routes logs to the configured file, or to stderr so command
// output stays clean.
func initLogging(cfg *config.Config) io.Closer {
	if cfg.Log.File != "" {
		return logging.InitFile(logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}, cfg.LogLevel())
	}
	logging.Init(os.Stderr, cfg.LogLevel())
	logging.Get().SetLevel(cfg.LogLevel())
	return nopCloser{}
}

// withService runs fn against an initialized service and tears it down.
func (o *rootOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *services.SyncService) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	closer := initLogging(cfg)
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc := services.NewSyncService(services.OptionsFromConfig(cfg))
	if err := svc.Initialize(ctx); err != nil {
		return err
	}
	defer svc.Destroy()
	return fn(ctx, svc)
}

func onlineLabel(online bool) string {
	if online {
		return okColor.Sprint("online")
	}
	return errColor.Sprint("offline")
}

func runCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run connectivity monitoring, the background drain loop and cache cleanup
until SIGINT or SIGTERM. The config file is watched and the log level and
probe interval are applied without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			closer := initLogging(cfg)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			svcOpts := services.OptionsFromConfig(cfg)
			svcOpts.Registerer = registry
			svc := services.NewSyncService(svcOpts)
			if err := svc.Initialize(ctx); err != nil {
				return err
			}
			defer svc.Destroy()

			if opts.configPath != "" {
				watcher, err := config.NewWatcher(opts.configPath, cfg, svc.ApplyConfig)
				if err != nil {
					return err
				}
				if err := watcher.Start(); err != nil {
					return err
				}
				defer watcher.Stop()
			}

			if cfg.Metrics.Enabled {
				server := &http.Server{
					Addr:              cfg.Metrics.Addr,
					Handler:           metrics.Handler(registry),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logging.Error("Metrics server failed", err, map[string]interface{}{"addr": cfg.Metrics.Addr})
					}
				}()
				defer server.Close()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "FieldSync running, data in %s (%s)\n", cfg.DataDir, onlineLabel(svc.IsOnline()))
			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down")
			return nil
		},
	}
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				if _, err := svc.CheckConnection(ctx); err != nil {
					return err
				}
				status, err := svc.Status()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(status)
				}

				fmt.Fprintf(out, "Network:   %s\n", onlineLabel(status.IsOnline))
				fmt.Fprintf(out, "Sync:      %s\n", status.SyncStatus)
				if status.LastSync != nil {
					fmt.Fprintf(out, "Last sync: %s\n", status.LastSync.Format(time.RFC3339))
				}
				if status.LastError != "" {
					fmt.Fprintf(out, "Error:     %s\n", errColor.Sprint(status.LastError))
				}
				q := status.Queue
				fmt.Fprintf(out, "Queue:     %d total, %d pending, %d syncing, %d failed", q.Total, q.Pending, q.Syncing, q.Failed)
				if q.Conflicts > 0 {
					fmt.Fprintf(out, ", %s", warnColor.Sprintf("%d conflicts", q.Conflicts))
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func statusLabel(it models.QueueItem) string {
	switch {
	case it.ConflictData != nil:
		return warnColor.Sprint("conflict")
	case it.Status == models.QueueStatusFailed:
		return errColor.Sprint(string(it.Status))
	case it.Status == models.QueueStatusSyncing:
		return okColor.Sprint(string(it.Status))
	}
	return string(it.Status)
}

func queueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				stats, err := svc.QueueStats()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if stats.Total == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tSTATUS\tRETRIES\tCREATED\tERROR")
				for _, it := range stats.Items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
						it.ID, it.Type, it.EntityID, statusLabel(it),
						it.RetryCount, it.MaxRetries,
						time.UnixMilli(it.CreatedAt).Format(time.RFC3339),
						it.LastError)
				}
				return tw.Flush()
			})
		},
	}
}

func syncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send every pending change now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				if _, err := svc.CheckConnection(ctx); err != nil {
					return err
				}
				result, err := svc.ForceSyncAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Processed %d: %s, %d failed, %s\n",
					result.Processed,
					okColor.Sprintf("%d sent", result.Succeeded+result.Idempotent),
					result.Failed,
					warnColor.Sprintf("%d conflicts", result.Conflicts))
				return nil
			})
		},
	}
}

func retryCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Reset a failed change, or all of them, for another attempt",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a queue item id or --all")
			}
			return opts.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				if all {
					n, err := svc.RetryAllFailed(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Reset %d failed item(s)\n", n)
					return nil
				}
				if err := svc.RetryItem(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Retry every failed item")
	return cmd
}

func dismissCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Drop a queued change without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				if err := svc.DismissItem(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %s\n", args[0])
				return nil
			})
		},
	}
}

func resolveCmd(opts *rootOptions) *cobra.Command {
	var (
		strategy   string
		mergedPath string
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflicted change",
		Long: `Resolve a conflicted change with one of:
  use_local   send the local change again, overwriting the server
  use_server  drop the local change and keep the server version
  merge       replace the change with the payload read from --merged`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := conflict.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			var raw []byte
			if s == conflict.Merge {
				if mergedPath == "" {
					return fmt.Errorf("merge needs --merged")
				}
				if raw, err = os.ReadFile(mergedPath); err != nil {
					return fmt.Errorf("failed to read merged payload: %w", err)
				}
			}

			return opts.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				var merged models.Mutation
				if raw != nil {
					item, err := findItem(svc, args[0])
					if err != nil {
						return err
					}
					if merged, err = models.DecodeMutation(item.Type, raw); err != nil {
						return fmt.Errorf("invalid merged payload: %w", err)
					}
				}
				if err := svc.ResolveConflict(ctx, args[0], s, merged); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s with %s\n", args[0], s)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "use_local, use_server or merge")
	cmd.Flags().StringVar(&mergedPath, "merged", "", "JSON file with the merged change")
	cmd.MarkFlagRequired("strategy")
	return cmd
}

func findItem(svc *services.SyncService, id string) (models.QueueItem, error) {
	stats, err := svc.QueueStats()
	if err != nil {
		return models.QueueItem{}, err
	}
	for _, it := range stats.Items {
		if it.ID == id {
			return it, nil
		}
	}
	return models.QueueItem{}, fmt.Errorf("queue item %s not found", id)
}

func cleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune stale cache entries and unreferenced photo data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				result, err := svc.PerformCleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d work order(s), %d cache key(s), %d orphan key(s), %d photo(s)\n",
					len(result.Cache.EvictedWorkOrders),
					len(result.Cache.CascadedKeys),
					len(result.Cache.OrphanKeys),
					len(result.RemovedBlobs))
				return nil
			})
		},
	}
}
