package investigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"citywatch/internal/config"
	"citywatch/internal/logging"
	"citywatch/internal/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Screenshotter captures a page as PNG bytes. Optional; a nil
// screenshotter skips screenshot evidence.
type Screenshotter interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// Runner executes investigations. Within one investigation, capability
// requests run sequentially because screenshot and image collection are
// gated on which pages the text and news searches found. Across
// investigations, sessions run in parallel and share nothing but the
// quota tracker behind the resolver.
type Runner struct {
	cfg         config.Config
	resolver    Resolver
	collector   Collector
	screenshots Screenshotter
	log         *zap.Logger
}

func NewRunner(cfg config.Config, resolver Resolver, collector Collector, screenshots Screenshotter, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg:         cfg,
		resolver:    resolver,
		collector:   collector,
		screenshots: screenshots,
		log:         log,
	}
}

// Request names one investigation to run.
type Request struct {
	ID    string
	Topic string
}

// Investigate runs one full investigation and returns its finalized
// bundle. The returned error is non-nil only for setup problems; a
// degraded run still yields a PARTIAL or FAILED bundle.
func (r *Runner) Investigate(ctx context.Context, req Request) (Bundle, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if req.Topic == "" {
		return Bundle{}, fmt.Errorf("investigation %s: empty topic", id)
	}

	deadline := time.Now().Add(r.cfg.Session.Deadline())
	required := r.requiredCapabilities()

	session := NewSession(id, req.Topic, r.resolver, r.collector, deadline, required,
		WithMinRecords(r.cfg.Evidence.MinRecords))

	logging.Session("investigation %s started: %q (deadline %s)", id, req.Topic, deadline.Format(time.RFC3339))
	r.log.Info("investigation started",
		zap.String("investigation_id", id),
		zap.String("topic", req.Topic))

	for _, cap := range []provider.Capability{provider.CapabilityWebText, provider.CapabilityWebNews} {
		if !capabilityIn(required, cap) {
			continue
		}
		if stop := r.requestStep(ctx, session, cap); stop {
			break
		}
	}

	r.captureScreenshots(ctx, session, deadline)

	if capabilityIn(required, provider.CapabilityImage) {
		r.requestStep(ctx, session, provider.CapabilityImage)
	}

	status := session.Conclude()
	bundle, err := session.Finalize()
	if err != nil {
		return Bundle{}, err
	}

	logging.Session("investigation %s finished: %s", id, status)
	r.log.Info("investigation finished",
		zap.String("investigation_id", id),
		zap.String("status", string(status)),
		zap.Int("partial_failures", bundle.PartialFailures))
	return bundle, nil
}

// requestStep runs one capability request, logging degraded outcomes.
// Returns true when the session deadline elapsed and remaining steps
// should be skipped.
func (r *Runner) requestStep(ctx context.Context, session *Session, cap provider.Capability) (stop bool) {
	recs, err := session.RequestEvidence(ctx, cap)
	switch {
	case err == nil:
		logging.Session("investigation %s: %d %s records", session.ID, len(recs), cap)
		return false
	case errors.Is(err, ErrDeadlineElapsed) || errors.Is(err, context.DeadlineExceeded):
		logging.Session("investigation %s: deadline elapsed during %s", session.ID, cap)
		return true
	default:
		r.log.Warn("capability request failed",
			zap.String("investigation_id", session.ID),
			zap.String("capability", string(cap)),
			zap.Error(err))
		return false
	}
}

// captureScreenshots screenshots pages found by the text and news
// passes, up to the configured cap. Failures are logged and skipped.
func (r *Runner) captureScreenshots(ctx context.Context, session *Session, deadline time.Time) {
	if r.screenshots == nil {
		return
	}

	max := r.cfg.Browser.MaxScreenshots
	if max <= 0 {
		max = 3
	}

	urls := session.PageURLs()
	if len(urls) > max {
		urls = urls[:max]
	}
	for _, url := range urls {
		if !time.Now().Before(deadline) {
			logging.Session("investigation %s: deadline elapsed during screenshots", session.ID)
			return
		}
		cctx, cancel := context.WithDeadline(ctx, deadline)
		png, err := r.screenshots.Capture(cctx, url)
		cancel()
		if err != nil {
			r.log.Warn("screenshot failed",
				zap.String("investigation_id", session.ID),
				zap.String("url", url),
				zap.Error(err))
			continue
		}
		rec, err := r.collector.CollectScreenshot(ctx, session.ID, url, png, "browser")
		if err != nil {
			r.log.Warn("screenshot collection failed",
				zap.String("investigation_id", session.ID),
				zap.String("url", url),
				zap.Error(err))
			continue
		}
		if err := session.AddScreenshot(rec); err != nil {
			return
		}
	}
}

// InvestigateAll runs a batch of investigations with bounded
// parallelism. Individual investigation failures do not cancel the
// batch; the returned slice holds the bundles that finalized.
func (r *Runner) InvestigateAll(ctx context.Context, reqs []Request) []Bundle {
	bundles := make([]Bundle, len(reqs))
	done := make([]bool, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	limit := r.cfg.Signals.MaxParallel
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			b, err := r.Investigate(gctx, req)
			if err != nil {
				r.log.Error("investigation aborted",
					zap.String("investigation_id", req.ID),
					zap.Error(err))
				return nil
			}
			bundles[i] = b
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := bundles[:0]
	for i, b := range bundles {
		if done[i] {
			out = append(out, b)
		}
	}
	return out
}

func (r *Runner) requiredCapabilities() []provider.Capability {
	var caps []provider.Capability
	for _, raw := range r.cfg.Session.RequiredCapabilities {
		cap, err := provider.ParseCapability(raw)
		if err != nil {
			r.log.Warn("ignoring unknown required capability", zap.String("capability", raw))
			continue
		}
		caps = append(caps, cap)
	}
	if len(caps) == 0 {
		caps = []provider.Capability{provider.CapabilityWebText, provider.CapabilityWebNews, provider.CapabilityImage}
	}
	return caps
}

func capabilityIn(caps []provider.Capability, c provider.Capability) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
