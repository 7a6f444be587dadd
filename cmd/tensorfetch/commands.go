package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tensorfetch/tensorfetch/internal/adapter/filesystem"
	"github.com/tensorfetch/tensorfetch/internal/adapter/hub"
	"github.com/tensorfetch/tensorfetch/internal/adapter/sqlite"
	"github.com/tensorfetch/tensorfetch/internal/config"
	"github.com/tensorfetch/tensorfetch/internal/domain"
	"github.com/tensorfetch/tensorfetch/internal/logger"
	"github.com/tensorfetch/tensorfetch/internal/port"
	"github.com/tensorfetch/tensorfetch/internal/service/fetcher"
)

// app bundles the wired components behind the CLI
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	hub     *hub.Client
	fetcher *fetcher.Fetcher
}

// setup wires configuration, logging, the registry store, the hub
// client and the fetcher
func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	fsManager, err := filesystem.NewManager(cfg.Transfer.OutputDir)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Transfer.OutputDir, "tensorfetch.db")
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	hubClient := hub.NewClient(cfg.Hub.BaseURL, cfg.Hub.Token, cfg.Hub.GetRequestTimeout(), log)

	f := fetcher.New(&fetcher.Config{
		Workers:          cfg.Transfer.ConcurrentDownloads,
		Verifiers:        cfg.Transfer.Verifiers,
		ChunkSize:        cfg.Transfer.GetChunkSize(),
		MaxRetries:       cfg.Transfer.MaxRetries,
		RetryBackoff:     cfg.Transfer.GetRetryBackoff(),
		SmallFileBytes:   cfg.Transfer.GetSmallFileBytes(),
		RateLimitBytes:   cfg.Transfer.GetRateLimitBytes(),
		ProgressInterval: cfg.Transfer.GetProgressInterval(),
	}, store, fsManager, hubClient, log)

	return &app{cfg: cfg, log: log, store: store, hub: hubClient, fetcher: f}, nil
}

func (a *app) close() {
	a.fetcher.Close()
	a.store.Close()
	a.log.Sync()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newGetCmd() *cobra.Command {
	var quant string
	var contains string
	var dest string

	cmd := &cobra.Command{
		Use:   "get <owner/name>",
		Short: "Download a model's files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := args[0]

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			files, err := a.hub.FetchDescriptors(ctx, modelID, port.DescriptorFilter{
				Contains: contains,
				QuantTag: quant,
			})
			if err != nil {
				return fmt.Errorf("failed to list model files: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("no files matched for %s", modelID)
			}

			if err := a.fetcher.Start(); err != nil {
				return err
			}

			batch, err := a.fetcher.Enqueue(ctx, modelID, files, dest)
			if err != nil {
				return err
			}

			go printProgress(a.fetcher.SubscribeProgress())

			entries, err := a.fetcher.Wait(ctx, batch)
			if err != nil {
				fmt.Fprintln(os.Stderr, "\ninterrupted, progress saved; run 'tensorfetch resume' to continue")
				return nil
			}

			printSummary(entries)
			return summaryErr(entries)
		},
	}

	cmd.Flags().StringVar(&quant, "quant", "", "Download only the given quantization variant")
	cmd.Flags().StringVar(&contains, "contains", "", "Download only filenames containing the substring")
	cmd.Flags().StringVar(&dest, "dest", "", "Destination directory (default: <output_dir>/<owner>/<name>)")

	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume all unfinished downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			if err := a.fetcher.Start(); err != nil {
				return err
			}

			entries, err := a.fetcher.Resume(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("nothing to resume")
				return nil
			}

			keys := make([]domain.Key, 0, len(entries))
			for _, e := range entries {
				fmt.Printf("resuming %s at %s of %s\n",
					e.Key(), humanize.IBytes(uint64(e.BytesTransferred)), humanize.IBytes(uint64(e.TotalSize)))
				keys = append(keys, e.Key())
			}

			go printProgress(a.fetcher.SubscribeProgress())

			batch := &fetcher.Batch{ID: "resume", Keys: keys}
			final, err := a.fetcher.Wait(ctx, batch)
			if err != nil {
				fmt.Fprintln(os.Stderr, "\ninterrupted, progress saved")
				return nil
			}

			printSummary(final)
			return summaryErr(final)
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [owner/name]",
		Short: "Re-queue failed downloads and run them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			filter := port.ListFilter{Statuses: []string{domain.StatusFailed}}
			if len(args) == 1 {
				filter.ModelID = args[0]
			}
			failed, err := a.store.List(filter)
			if err != nil {
				return err
			}
			if len(failed) == 0 {
				fmt.Println("nothing to retry")
				return nil
			}

			for _, e := range failed {
				if err := a.store.ResetForRetry(e.Key()); err != nil {
					return fmt.Errorf("failed to reset %s: %w", e.Key(), err)
				}
				fmt.Printf("retrying %s (was: %s)\n", e.Key(), e.FailureReason)
			}

			if err := a.fetcher.Start(); err != nil {
				return err
			}

			entries, err := a.fetcher.Resume(ctx)
			if err != nil {
				return err
			}

			keys := make([]domain.Key, 0, len(entries))
			for _, e := range entries {
				keys = append(keys, e.Key())
			}

			go printProgress(a.fetcher.SubscribeProgress())

			batch := &fetcher.Batch{ID: "retry", Keys: keys}
			final, err := a.fetcher.Wait(ctx, batch)
			if err != nil {
				fmt.Fprintln(os.Stderr, "\ninterrupted, progress saved")
				return nil
			}

			printSummary(final)
			return summaryErr(final)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every tracked download",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.store.List(port.ListFilter{})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no tracked downloads")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tFILE\tSTATUS\tPROGRESS\tSIZE")
			for _, e := range entries {
				status := e.Status
				if e.FailureReason != "" {
					status += " (" + e.FailureReason + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.ModelID, e.Filename, status,
					humanize.IBytes(uint64(e.BytesTransferred)),
					humanize.IBytes(uint64(e.TotalSize)))
			}
			return w.Flush()
		},
	}
}

// printProgress renders snapshots as single-line updates
func printProgress(snapshots <-chan domain.ProgressSnapshot) {
	for snap := range snapshots {
		if snap.Done {
			fmt.Printf("\r%-40s %s done%20s\n", snap.Filename,
				humanize.IBytes(uint64(snap.Total)), "")
			continue
		}
		pct := 0.0
		if snap.Total > 0 {
			pct = float64(snap.Bytes) / float64(snap.Total) * 100
		}
		fmt.Printf("\r%-40s %5.1f%%  %s/s  (%d active, %d queued)   ",
			snap.Filename, pct,
			humanize.IBytes(uint64(snap.SpeedBps)),
			snap.ActiveCnt, snap.QueuedCnt)
	}
}

func printSummary(entries []*domain.RegistryEntry) {
	fmt.Println()
	for _, e := range entries {
		switch e.Status {
		case domain.StatusComplete:
			fmt.Printf("  %s  %s  ok\n", e.Key(), humanize.IBytes(uint64(e.TotalSize)))
		case domain.StatusFailed:
			fmt.Printf("  %s  failed: %s\n", e.Key(), e.FailureReason)
		default:
			fmt.Printf("  %s  %s\n", e.Key(), e.Status)
		}
	}
}

// summaryErr reports a non-zero exit when any file ended failed
func summaryErr(entries []*domain.RegistryEntry) error {
	failed := 0
	for _, e := range entries {
		if e.Status == domain.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(entries))
	}
	return nil
}
