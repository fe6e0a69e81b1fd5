package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"

	"citywatch/internal/investigation"
	"citywatch/internal/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	watchNoBrowser bool
	watchOutDir    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the signal spool and investigate each inbound signal",
	Long: `Watches the configured spool directory for 311-style signal files
(*.json). Every settled signal starts an investigation; finished bundles
are written to the output directory. Runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoBrowser, "no-browser", false, "Skip screenshot capture")
	watchCmd.Flags().StringVar(&watchOutDir, "out-dir", ".citywatch/bundles", "Directory finished bundles are written to")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg, !watchNoBrowser)
	if err != nil {
		return err
	}
	defer eng.close()

	outDir := resolvePath(watchOutDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	// Signals arrive on the watcher goroutine; investigations fan out
	// with bounded parallelism so a burst of complaints cannot spawn
	// unbounded browser sessions.
	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.Signals.MaxParallel
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	handler := func(_ context.Context, sig signal.Signal) {
		g.Go(func() error {
			bundle, err := eng.runner.Investigate(gctx, investigation.Request{
				ID:    sig.ID,
				Topic: sig.Topic(),
			})
			if err != nil {
				logger.Error("investigation failed",
					zap.String("signal_id", sig.ID),
					zap.Error(err))
				return nil
			}
			path := filepath.Join(outDir, bundle.InvestigationID+".json")
			if err := writeBundle(bundle, path); err != nil {
				logger.Error("writing bundle", zap.Error(err))
			}
			return nil
		})
	}

	watcher, err := signal.NewWatcher(resolvePath(cfg.Signals.SpoolDir), handler, logger)
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start spool watcher: %w", err)
	}

	fmt.Printf("Watching %s for signals (Ctrl-C to stop)\n", resolvePath(cfg.Signals.SpoolDir))
	<-ctx.Done()

	watcher.Stop()
	_ = g.Wait()

	stats := watcher.GetStats()
	fmt.Printf("Processed %d signals (%d dispatched, %d rejected)\n",
		stats.FilesSeen, stats.Dispatched, stats.Rejected)
	return nil
}
