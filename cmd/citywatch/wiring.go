package main

import (
	"context"
	"fmt"
	"path/filepath"

	"citywatch/internal/artifact"
	"citywatch/internal/browser"
	"citywatch/internal/config"
	"citywatch/internal/evidence"
	"citywatch/internal/fallback"
	"citywatch/internal/investigation"
	"citywatch/internal/quota"
)

// engine holds the wired investigation pipeline plus the handles a
// command needs to shut it down.
type engine struct {
	runner   *investigation.Runner
	tracker  *quota.Tracker
	store    *evidence.Store
	capturer *browser.Capturer
}

func (e *engine) close() {
	if e.capturer != nil {
		_ = e.capturer.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}

// buildEngine wires the full pipeline from config: quota tracker,
// fallback coordinator, artifact gateway, evidence collector, browser
// capturer, and the runner on top.
func buildEngine(ctx context.Context, cfg config.Config, withBrowser bool) (*engine, error) {
	tracker, err := buildTracker(cfg)
	if err != nil {
		return nil, err
	}

	coordinator, err := fallback.New(cfg.Providers, tracker, logger)
	if err != nil {
		return nil, fmt.Errorf("build provider chains: %w", err)
	}

	gateway, err := buildGateway(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := evidence.NewStore(resolvePath(cfg.Evidence.DatabasePath))
	if err != nil {
		return nil, err
	}

	collector := evidence.NewCollector(store, gateway,
		evidence.WithMaxItems(cfg.Evidence.MaxItemsPerResult))

	e := &engine{tracker: tracker, store: store}
	var shots investigation.Screenshotter
	if withBrowser {
		e.capturer = browser.NewCapturer(cfg.Browser)
		shots = e.capturer
	}

	e.runner = investigation.NewRunner(cfg, coordinator, collector, shots, logger)
	return e, nil
}

func buildTracker(cfg config.Config) (*quota.Tracker, error) {
	limits := make(map[string]int)
	for _, p := range cfg.Providers {
		if p.Enabled && p.DailyLimit > 0 {
			limits[p.ID] = p.DailyLimit
		}
	}

	opts := []quota.Option{quota.WithLocation(cfg.Quota.Location())}
	if cfg.Quota.PerCapability {
		opts = append(opts, quota.WithPerCapability())
	}
	if cfg.Quota.StatePath != "" {
		store, err := quota.NewFileStore(resolvePath(cfg.Quota.StatePath))
		if err != nil {
			return nil, fmt.Errorf("open quota state: %w", err)
		}
		opts = append(opts, quota.WithStore(store))
	}
	return quota.New(limits, opts...), nil
}

func buildGateway(ctx context.Context, cfg config.Config) (artifact.Gateway, error) {
	switch cfg.Artifacts.Backend {
	case "", "local":
		return artifact.NewLocalGateway(resolvePath(cfg.Artifacts.LocalDir))
	case "s3":
		return artifact.NewS3Gateway(ctx, cfg.Artifacts.S3Bucket, cfg.Artifacts.S3Prefix, cfg.Artifacts.S3Region)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifacts.Backend)
	}
}

// resolvePath anchors relative config paths at the workspace.
func resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}
