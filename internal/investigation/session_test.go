package investigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"citywatch/internal/evidence"
	"citywatch/internal/fallback"
	"citywatch/internal/provider"

	"github.com/google/go-cmp/cmp"
)

// fakeResolver serves scripted results per capability.
type fakeResolver struct {
	mu      sync.Mutex
	results map[provider.Capability]provider.Result
	errs    map[provider.Capability]error
	delay   time.Duration
	calls   []provider.Capability
}

func (f *fakeResolver) Resolve(ctx context.Context, q provider.Query) (provider.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q.Capability)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			// Deadline abandoned the call; surface the mock the
			// coordinator would serve on exhaustion.
			return provider.Result{ProviderID: "mock", Succeeded: true,
				Items: []provider.RawItem{{URL: "internal://mock/x"}}}, nil
		}
	}
	if err := f.errs[q.Capability]; err != nil {
		return provider.Result{}, err
	}
	if res, ok := f.results[q.Capability]; ok {
		return res, nil
	}
	return provider.Result{ProviderID: "mock", Succeeded: true,
		Items: []provider.RawItem{{URL: "internal://mock/" + string(q.Capability)}}}, nil
}

// memCollector keeps records in memory, deduplicating on record id.
type memCollector struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemCollector() *memCollector {
	return &memCollector{seen: make(map[string]bool)}
}

func (c *memCollector) Collect(_ context.Context, invID string, cap provider.Capability, res provider.Result) (evidence.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind := evidence.KindPage
	if cap == provider.CapabilityImage {
		kind = evidence.KindImage
	}
	var out evidence.Outcome
	for _, item := range res.Items {
		id := evidence.RecordID(kind, item.URL, item.ImageData)
		rec := evidence.Record{
			ID: id, InvestigationID: invID, Kind: kind,
			SourceProvider: res.ProviderID, SourceURL: item.URL,
			Metadata:    evidence.Metadata{Title: item.Title, Domain: item.Domain},
			CollectedAt: time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC),
		}
		out.Records = append(out.Records, rec)
		if !c.seen[invID+"/"+id] {
			c.seen[invID+"/"+id] = true
			out.New++
		}
	}
	return out, nil
}

func (c *memCollector) CollectScreenshot(_ context.Context, invID, pageURL string, png []byte, providerID string) (evidence.Record, error) {
	return evidence.Record{
		ID: evidence.RecordID(evidence.KindScreenshot, pageURL, png),
		InvestigationID: invID, Kind: evidence.KindScreenshot,
		SourceProvider: providerID, SourceURL: pageURL,
		StorageRef: "fake://" + pageURL,
	}, nil
}

func webResult(id string, urls ...string) provider.Result {
	res := provider.Result{ProviderID: id, Succeeded: true, FetchedAt: time.Now()}
	for _, u := range urls {
		res.Items = append(res.Items, provider.RawItem{URL: u, Domain: "news.example"})
	}
	return res
}

func openSession(t *testing.T, r Resolver, opts ...SessionOption) *Session {
	t.Helper()
	required := []provider.Capability{provider.CapabilityWebText, provider.CapabilityImage}
	return NewSession("inv-1", "pothole on 5th", r, newMemCollector(),
		time.Now().Add(time.Minute), required, opts...)
}

func TestSessionCompletesWhenAllCapabilitiesSatisfied(t *testing.T) {
	r := &fakeResolver{results: map[provider.Capability]provider.Result{
		provider.CapabilityWebText: webResult("brave-text", "https://news.example/a"),
		provider.CapabilityImage:   webResult("openverse", "https://img.example/a.jpg"),
	}}
	s := openSession(t, r)

	for _, cap := range []provider.Capability{provider.CapabilityWebText, provider.CapabilityImage} {
		if _, err := s.RequestEvidence(context.Background(), cap); err != nil {
			t.Fatalf("RequestEvidence(%s): %v", cap, err)
		}
	}
	if got := s.Conclude(); got != StatusComplete {
		t.Errorf("status = %s, want complete", got)
	}
}

func TestSessionMockEvidenceNeverCountsTowardCompletion(t *testing.T) {
	// Image capability only ever yields the synthetic placeholder.
	r := &fakeResolver{results: map[provider.Capability]provider.Result{
		provider.CapabilityWebText: webResult("brave-text", "https://news.example/a"),
	}}
	s := openSession(t, r)

	s.RequestEvidence(context.Background(), provider.CapabilityWebText)
	s.RequestEvidence(context.Background(), provider.CapabilityImage)

	if got := s.Conclude(); got != StatusPartial {
		t.Errorf("status = %s, want partial", got)
	}
}

func TestSessionFailsWithZeroRealEvidence(t *testing.T) {
	r := &fakeResolver{} // mock for everything
	s := openSession(t, r)

	s.RequestEvidence(context.Background(), provider.CapabilityWebText)
	s.RequestEvidence(context.Background(), provider.CapabilityImage)

	if got := s.Conclude(); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestSessionMinRecordsThresholdCompletes(t *testing.T) {
	// Images never arrive, but three pages exceed the threshold.
	r := &fakeResolver{results: map[provider.Capability]provider.Result{
		provider.CapabilityWebText: webResult("brave-text",
			"https://news.example/a", "https://news.example/b", "https://news.example/c"),
	}}
	s := openSession(t, r, WithMinRecords(3))

	s.RequestEvidence(context.Background(), provider.CapabilityWebText)
	s.RequestEvidence(context.Background(), provider.CapabilityImage)

	if got := s.Conclude(); got != StatusComplete {
		t.Errorf("status = %s, want complete via min-records threshold", got)
	}
}

func TestSessionTerminalStatesAreFinal(t *testing.T) {
	s := openSession(t, &fakeResolver{})
	s.Fail()

	if _, err := s.RequestEvidence(context.Background(), provider.CapabilityWebText); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("RequestEvidence after terminal = %v, want ErrSessionClosed", err)
	}
	if got := s.Conclude(); got != StatusFailed {
		t.Errorf("Conclude changed a terminal state to %s", got)
	}
}

func TestSessionConfigurationErrorBreaksOnlyThatCapability(t *testing.T) {
	r := &fakeResolver{
		errs: map[provider.Capability]error{
			provider.CapabilityImage: fmt.Errorf("image: %w", fallback.ErrNoProviders),
		},
		results: map[provider.Capability]provider.Result{
			provider.CapabilityWebText: webResult("brave-text", "https://news.example/a"),
		},
	}
	s := openSession(t, r)

	if _, err := s.RequestEvidence(context.Background(), provider.CapabilityWebText); err != nil {
		t.Fatalf("web_text: %v", err)
	}
	if _, err := s.RequestEvidence(context.Background(), provider.CapabilityImage); !errors.Is(err, fallback.ErrNoProviders) {
		t.Fatalf("image err = %v, want ErrNoProviders", err)
	}

	// The broken capability blocks COMPLETE but the web evidence still
	// yields a PARTIAL bundle.
	if got := s.Conclude(); got != StatusPartial {
		t.Errorf("status = %s, want partial", got)
	}
}

func TestSessionDeadlineExpiryReturnsPromptly(t *testing.T) {
	r := &fakeResolver{
		delay: 5 * time.Second,
		results: map[provider.Capability]provider.Result{
			provider.CapabilityWebText: webResult("brave-text", "https://news.example/a"),
		},
	}
	required := []provider.Capability{provider.CapabilityWebText, provider.CapabilityImage}
	s := NewSession("inv-1", "flooding", r, newMemCollector(),
		time.Now().Add(150*time.Millisecond), required)

	// First capability answers before its provider stalls.
	r.delay = 0
	if _, err := s.RequestEvidence(context.Background(), provider.CapabilityWebText); err != nil {
		t.Fatalf("web_text: %v", err)
	}

	// Second capability stalls past the deadline: the request must come
	// back at the deadline, not after the full provider delay.
	r.delay = 5 * time.Second
	start := time.Now()
	_, err := s.RequestEvidence(context.Background(), provider.CapabilityImage)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("RequestEvidence blocked %v past the deadline", elapsed)
	}
	if !errors.Is(err, ErrDeadlineElapsed) {
		t.Errorf("err = %v, want ErrDeadlineElapsed", err)
	}

	// One capability had evidence, so deadline expiry means PARTIAL.
	if got := s.Conclude(); got != StatusPartial {
		t.Errorf("status = %s, want partial", got)
	}
}

func TestFinalizeRequiresTerminalState(t *testing.T) {
	s := openSession(t, &fakeResolver{})
	if _, err := s.Finalize(); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("Finalize on open session = %v, want ErrNotFinalized", err)
	}
}

func TestFinalizeBundleSnapshot(t *testing.T) {
	r := &fakeResolver{results: map[provider.Capability]provider.Result{
		provider.CapabilityWebText: webResult("brave-text", "https://news.example/a"),
		provider.CapabilityImage:   webResult("openverse", "https://img.example/a.jpg"),
	}}
	s := openSession(t, r)

	s.RequestEvidence(context.Background(), provider.CapabilityWebText)
	s.RequestEvidence(context.Background(), provider.CapabilityImage)
	s.Conclude()

	got, err := s.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	want := Bundle{
		InvestigationID: "inv-1",
		Topic:           "pothole on 5th",
		Status:          StatusComplete,
		Evidence: map[evidence.Kind][]BundleItem{
			evidence.KindPage: {{
				SourceURL:      "https://news.example/a",
				SourceProvider: "brave-text",
				Metadata:       evidence.Metadata{Domain: "news.example"},
			}},
			evidence.KindImage: {{
				SourceURL:      "https://img.example/a.jpg",
				SourceProvider: "openverse",
				Metadata:       evidence.Metadata{Domain: "news.example"},
			}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}
}

// deadlineCollector records the deadline on the context Collect receives.
type deadlineCollector struct {
	*memCollector
	deadline time.Time
	hasIt    bool
}

func (c *deadlineCollector) Collect(ctx context.Context, invID string, cap provider.Capability, res provider.Result) (evidence.Outcome, error) {
	c.deadline, c.hasIt = ctx.Deadline()
	return c.memCollector.Collect(ctx, invID, cap, res)
}

func TestRequestEvidenceCollectsUnderSessionDeadline(t *testing.T) {
	r := &fakeResolver{results: map[provider.Capability]provider.Result{
		provider.CapabilityWebText: webResult("brave-text", "https://news.example/a"),
	}}
	c := &deadlineCollector{memCollector: newMemCollector()}
	deadline := time.Now().Add(time.Minute)
	required := []provider.Capability{provider.CapabilityWebText}
	s := NewSession("inv-1", "pothole on 5th", r, c, deadline, required)

	if _, err := s.RequestEvidence(context.Background(), provider.CapabilityWebText); err != nil {
		t.Fatalf("RequestEvidence: %v", err)
	}
	if !c.hasIt {
		t.Fatal("collection ran without the session deadline")
	}
	if !c.deadline.Equal(deadline) {
		t.Errorf("collection deadline = %v, want %v", c.deadline, deadline)
	}
}

func TestSessionMinRecordsCountsNonRequiredCapabilities(t *testing.T) {
	// Images never arrive, but one page plus two news records from the
	// non-required news capability reach the threshold together.
	r := &fakeResolver{results: map[provider.Capability]provider.Result{
		provider.CapabilityWebText: webResult("brave-text", "https://news.example/a"),
		provider.CapabilityWebNews: webResult("newsapi",
			"https://paper.example/b", "https://paper.example/c"),
	}}
	s := openSession(t, r, WithMinRecords(3))

	s.RequestEvidence(context.Background(), provider.CapabilityWebText)
	s.RequestEvidence(context.Background(), provider.CapabilityWebNews)
	s.RequestEvidence(context.Background(), provider.CapabilityImage)

	if got := s.Conclude(); got != StatusComplete {
		t.Errorf("status = %s, want complete via min-records threshold", got)
	}
}

func TestPageURLsSkipsSyntheticAndDuplicates(t *testing.T) {
	r := &fakeResolver{results: map[provider.Capability]provider.Result{
		provider.CapabilityWebText: webResult("brave-text",
			"https://news.example/a", "https://news.example/a", "https://news.example/b"),
	}}
	s := openSession(t, r)

	s.RequestEvidence(context.Background(), provider.CapabilityWebText)
	s.RequestEvidence(context.Background(), provider.CapabilityWebNews) // mock

	got := s.PageURLs()
	want := []string{"https://news.example/a", "https://news.example/b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PageURLs mismatch (-want +got):\n%s", diff)
	}
}
