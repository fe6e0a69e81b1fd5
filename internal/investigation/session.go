// Package investigation drives one evidence-gathering run per civic
// signal: it requests evidence per capability through the fallback
// coordinator, accumulates the records, and finalizes into an immutable
// bundle for the report generator.
package investigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"citywatch/internal/evidence"
	"citywatch/internal/fallback"
	"citywatch/internal/provider"
)

// Status is the session lifecycle state. Terminal states are final.
type Status string

const (
	StatusOpen     Status = "open"
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

func (s Status) Terminal() bool { return s != StatusOpen }

var (
	// ErrSessionClosed is returned when a request arrives after the
	// session reached a terminal state.
	ErrSessionClosed = errors.New("investigation session already finalized")
	// ErrNotFinalized is returned by Finalize before a terminal state.
	ErrNotFinalized = errors.New("investigation session still open")
	// ErrDeadlineElapsed is returned when the session deadline has passed.
	ErrDeadlineElapsed = errors.New("investigation deadline elapsed")
)

// Resolver resolves one capability query through the provider fallback
// chain.
type Resolver interface {
	Resolve(ctx context.Context, q provider.Query) (provider.Result, error)
}

// Collector persists provider results as evidence records.
type Collector interface {
	Collect(ctx context.Context, investigationID string, capability provider.Capability, res provider.Result) (evidence.Outcome, error)
	CollectScreenshot(ctx context.Context, investigationID, pageURL string, png []byte, providerID string) (evidence.Record, error)
}

// Session is the aggregate root for one investigation's evidence. All
// mutation goes through RequestEvidence and AddScreenshot; once a
// terminal state is reached the session is immutable.
type Session struct {
	ID    string
	Topic string

	resolver  Resolver
	collector Collector
	deadline  time.Time
	required  []provider.Capability
	minTotal  int
	now       func() time.Time

	mu       sync.Mutex
	status   Status
	results  map[provider.Capability][]evidence.Record
	shots    []evidence.Record
	failures int
	// capabilities with an unrecoverable configuration error
	broken map[provider.Capability]bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMinRecords sets the total-evidence threshold that completes a
// session even if some required capability is empty.
func WithMinRecords(n int) SessionOption {
	return func(s *Session) { s.minTotal = n }
}

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession opens a session. required lists the capabilities that must
// each yield evidence for the session to complete.
func NewSession(id, topic string, resolver Resolver, collector Collector, deadline time.Time, required []provider.Capability, opts ...SessionOption) *Session {
	s := &Session{
		ID:        id,
		Topic:     topic,
		resolver:  resolver,
		collector: collector,
		deadline:  deadline,
		required:  required,
		now:       time.Now,
		status:    StatusOpen,
		results:   make(map[provider.Capability][]evidence.Record),
		broken:    make(map[provider.Capability]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RequestEvidence drives one fallback resolution plus collection pass
// for the capability and appends the resulting records. A configuration
// error (no providers for the capability) marks that capability failed
// but leaves the session open for the others.
func (s *Session) RequestEvidence(ctx context.Context, capability provider.Capability) ([]evidence.Record, error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	deadline := s.deadline
	s.mu.Unlock()

	if !s.now().Before(deadline) {
		return nil, ErrDeadlineElapsed
	}

	// The session deadline bounds the whole resolution; per-provider
	// timeouts inside the coordinator keep one slow provider from
	// consuming all of it.
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	res, err := s.resolver.Resolve(rctx, provider.Query{
		Text:            s.Topic,
		Capability:      capability,
		InvestigationID: s.ID,
	})
	if err != nil {
		if errors.Is(err, fallback.ErrNoProviders) {
			s.mu.Lock()
			s.broken[capability] = true
			s.mu.Unlock()
			return nil, fmt.Errorf("capability %s unservable: %w", capability, err)
		}
		return nil, err
	}

	if !s.now().Before(deadline) {
		return nil, ErrDeadlineElapsed
	}

	out, err := s.collector.Collect(rctx, s.ID, capability, res)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return nil, ErrSessionClosed
	}
	s.results[capability] = append(s.results[capability], out.Records...)
	s.failures += out.PartialFailures
	return out.Records, nil
}

// AddScreenshot captures already-uploaded screenshot evidence into the
// session.
func (s *Session) AddScreenshot(rec evidence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return ErrSessionClosed
	}
	s.shots = append(s.shots, rec)
	return nil
}

// PageURLs returns source URLs of real (non-synthetic) page evidence, in
// collection order. Screenshot targets come from here.
func (s *Session) PageURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var urls []string
	for _, cap := range []provider.Capability{provider.CapabilityWebText, provider.CapabilityWebNews} {
		for _, rec := range s.results[cap] {
			if rec.Synthetic() || rec.SourceURL == "" || seen[rec.SourceURL] {
				continue
			}
			seen[rec.SourceURL] = true
			urls = append(urls, rec.SourceURL)
		}
	}
	return urls
}

// Conclude moves the session to its terminal state based on the
// evidence gathered so far. Synthetic mock records never count toward
// completion. Calling Conclude on a terminal session is a no-op.
func (s *Session) Conclude() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return s.status
	}

	satisfied := 0
	for _, cap := range s.required {
		if realCount(s.results[cap]) > 0 {
			satisfied++
		}
	}
	// The completion threshold counts every real record, including
	// capabilities beyond the required set.
	total := 0
	for _, recs := range s.results {
		total += realCount(recs)
	}
	for _, rec := range s.shots {
		if !rec.Synthetic() {
			total++
		}
	}

	switch {
	case total == 0:
		s.status = StatusFailed
	case satisfied == len(s.required) && len(s.broken) == 0:
		s.status = StatusComplete
	case s.minTotal > 0 && total >= s.minTotal && len(s.broken) == 0:
		s.status = StatusComplete
	default:
		s.status = StatusPartial
	}
	return s.status
}

// Fail forces the session into FAILED regardless of accumulated
// evidence. Used for unrecoverable setup errors.
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() {
		s.status = StatusFailed
	}
}

// Bundle is the immutable snapshot handed to the report generator.
type Bundle struct {
	InvestigationID string                         `json:"investigation_id"`
	Topic           string                         `json:"topic"`
	Status          Status                         `json:"status"`
	Evidence        map[evidence.Kind][]BundleItem `json:"evidence"`
	PartialFailures int                            `json:"partial_failures,omitempty"`
}

// BundleItem is one evidence entry in a bundle.
type BundleItem struct {
	SourceURL      string            `json:"source_url"`
	SourceProvider string            `json:"source_provider"`
	StorageRef     string            `json:"storage_ref,omitempty"`
	Synthetic      bool              `json:"synthetic,omitempty"`
	Metadata       evidence.Metadata `json:"metadata"`
}

// Finalize returns the bundle. It may only be called after the session
// reached a terminal state.
func (s *Session) Finalize() (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() {
		return Bundle{}, ErrNotFinalized
	}

	b := Bundle{
		InvestigationID: s.ID,
		Topic:           s.Topic,
		Status:          s.status,
		Evidence:        make(map[evidence.Kind][]BundleItem),
		PartialFailures: s.failures,
	}
	// Fixed capability order keeps bundles deterministic.
	for _, cap := range []provider.Capability{provider.CapabilityWebText, provider.CapabilityWebNews, provider.CapabilityImage} {
		for _, rec := range s.results[cap] {
			b.Evidence[rec.Kind] = append(b.Evidence[rec.Kind], toItem(rec))
		}
	}
	for _, rec := range s.shots {
		b.Evidence[rec.Kind] = append(b.Evidence[rec.Kind], toItem(rec))
	}
	return b, nil
}

func toItem(rec evidence.Record) BundleItem {
	return BundleItem{
		SourceURL:      rec.SourceURL,
		SourceProvider: rec.SourceProvider,
		StorageRef:     rec.StorageRef,
		Synthetic:      rec.Synthetic(),
		Metadata:       rec.Metadata,
	}
}

func realCount(recs []evidence.Record) int {
	n := 0
	for _, r := range recs {
		if !r.Synthetic() {
			n++
		}
	}
	return n
}
