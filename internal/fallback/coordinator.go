// Package fallback implements the ordered-attempt provider resolution at
// the heart of evidence collection. Providers are tried strictly in
// priority order; quota refusals, failures, and empty results all fall
// through to the next provider, and a synthetic mock result is served when
// the whole chain is exhausted so callers always receive a structurally
// valid outcome.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"citywatch/internal/config"
	"citywatch/internal/logging"
	"citywatch/internal/provider"
	"citywatch/internal/quota"

	"go.uber.org/zap"
)

// ErrNoProviders is the non-recoverable configuration error for a
// capability with no enabled adapters. It is surfaced immediately and
// never retried.
var ErrNoProviders = errors.New("no providers configured")

type route struct {
	adapter provider.Adapter
	timeout time.Duration
	rank    int
}

// Coordinator resolves capability queries against the configured provider
// chains. Safe for concurrent use: all mutable state lives in the quota
// tracker.
type Coordinator struct {
	routes  map[provider.Capability][]route
	tracker *quota.Tracker
	mock    provider.Adapter
	log     *zap.Logger
}

// New builds the coordinator from configuration. Disabled providers are
// dropped; within a capability, adapters order by priority_rank ascending
// with configuration order as the tie-break. The mock adapter is always
// available as the implicit last resort and never appears in the chains.
func New(providers []config.ProviderConfig, tracker *quota.Tracker, log *zap.Logger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		routes:  make(map[provider.Capability][]route),
		tracker: tracker,
		mock:    provider.NewMockAdapter(),
		log:     log,
	}

	for _, pc := range providers {
		if !pc.Enabled || pc.ID == provider.MockID {
			continue
		}
		adapter, err := provider.Build(pc)
		if err != nil {
			return nil, err
		}
		for _, capName := range pc.Capabilities {
			capability, err := provider.ParseCapability(capName)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", pc.ID, err)
			}
			if !adapter.Supports(capability) {
				return nil, fmt.Errorf("provider %q does not support capability %q", pc.ID, capability)
			}
			c.routes[capability] = append(c.routes[capability], route{
				adapter: adapter,
				timeout: pc.Timeout(),
				rank:    pc.PriorityRank,
			})
		}
	}

	for capability := range c.routes {
		rs := c.routes[capability]
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].rank < rs[j].rank })
	}
	return c, nil
}

// Entry pairs an adapter with its attempt policy for direct construction
// when the caller already holds adapter instances (embedded use, tests).
type Entry struct {
	Adapter provider.Adapter
	Timeout time.Duration
	Rank    int
}

// NewFromEntries builds a coordinator from pre-built adapters.
func NewFromEntries(chains map[provider.Capability][]Entry, tracker *quota.Tracker, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		routes:  make(map[provider.Capability][]route),
		tracker: tracker,
		mock:    provider.NewMockAdapter(),
		log:     log,
	}
	for capability, entries := range chains {
		for _, e := range entries {
			timeout := e.Timeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			c.routes[capability] = append(c.routes[capability], route{
				adapter: e.Adapter,
				timeout: timeout,
				rank:    e.Rank,
			})
		}
		rs := c.routes[capability]
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].rank < rs[j].rank })
	}
	return c
}

// Resolve tries each provider for the query's capability in priority
// order and returns the first usable result. Exhaustion falls back to the
// mock provider; callers distinguish the placeholder via ProviderID. The
// only error returned is the configuration error for a capability with no
// providers at all.
func (c *Coordinator) Resolve(ctx context.Context, q provider.Query) (provider.Result, error) {
	routes := c.routes[q.Capability]
	if len(routes) == 0 {
		return provider.Result{}, fmt.Errorf("%w for capability %q", ErrNoProviders, q.Capability)
	}

	skipped := 0
	for _, rt := range routes {
		id := rt.adapter.ID()

		if c.tracker != nil && c.tracker.Metered(id) {
			if !c.tracker.TryConsume(id, string(q.Capability)) {
				c.emit(q, id, "quota_refused", true)
				skipped++
				continue
			}
		}

		res := c.attempt(ctx, rt, q)
		if res.Usable() {
			c.emit(q, id, "success", false)
			logging.Fallback("%s %q served by %s (%d providers skipped)",
				q.Capability, q.Text, id, skipped)
			return res, nil
		}

		c.emit(q, id, string(res.FailureKind), true)
		skipped++
	}

	// Every real provider is exhausted; serve the degraded placeholder so
	// downstream always gets a structurally valid result.
	res := c.mock.Fetch(ctx, q)
	c.emit(q, provider.MockID, "mock_served", false)
	logging.Fallback("%s %q exhausted %d providers, serving mock", q.Capability, q.Text, skipped)
	return res, nil
}

// attempt runs one adapter fetch under the per-provider timeout. A slow
// adapter is abandoned at the deadline (the fetch goroutine keeps the
// buffered channel from leaking), and panics or timeouts normalize to a
// TRANSIENT_ERROR result rather than escaping to the caller.
func (c *Coordinator) attempt(ctx context.Context, rt route, q provider.Query) provider.Result {
	actx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	done := make(chan provider.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Fallback("adapter %s panicked: %v", rt.adapter.ID(), r)
				done <- provider.Result{
					ProviderID:  rt.adapter.ID(),
					FetchedAt:   time.Now(),
					FailureKind: provider.FailureTransient,
				}
			}
		}()
		done <- rt.adapter.Fetch(actx, q)
	}()

	select {
	case res := <-done:
		if !res.Succeeded && res.FailureKind == "" {
			res.FailureKind = provider.FailureTransient
		}
		return res
	case <-actx.Done():
		return provider.Result{
			ProviderID:  rt.adapter.ID(),
			FetchedAt:   time.Now(),
			FailureKind: provider.FailureTransient,
		}
	}
}

// emit publishes the structured fallback-decision event operators use to
// detect upstream provider degradation.
func (c *Coordinator) emit(q provider.Query, providerID, outcome string, fellThrough bool) {
	c.log.Info("provider attempt",
		zap.String("query", q.Text),
		zap.String("capability", string(q.Capability)),
		zap.String("investigation_id", q.InvestigationID),
		zap.String("provider_attempted", providerID),
		zap.String("outcome", outcome),
		zap.Bool("fallback_triggered", fellThrough))
}

// Capabilities returns the capabilities that have at least one provider.
func (c *Coordinator) Capabilities() []provider.Capability {
	caps := make([]provider.Capability, 0, len(c.routes))
	for capability := range c.routes {
		caps = append(caps, capability)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}
