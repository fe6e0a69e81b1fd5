// Package provider defines the uniform adapter boundary around external
// search/content providers. Adapters never return Go errors across this
// boundary: every failure mode is encoded in the Result so the fallback
// coordinator can treat all providers identically.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Capability is a search modality an adapter can serve.
type Capability string

const (
	CapabilityWebText Capability = "web_text"
	CapabilityWebNews Capability = "web_news"
	CapabilityImage   Capability = "image"
)

// ParseCapability validates a capability name from configuration.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapabilityWebText, CapabilityWebNews, CapabilityImage:
		return Capability(s), nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// FailureKind classifies a failed adapter call.
type FailureKind string

const (
	FailureRateLimited FailureKind = "rate_limited"
	FailureTransient   FailureKind = "transient_error"
	FailureNoResults   FailureKind = "no_results"
	FailureUnsupported FailureKind = "unsupported"
)

// Query is one capability request issued by an investigation session.
// Immutable once issued.
type Query struct {
	Text            string
	Capability      Capability
	InvestigationID string
}

// RawItem is one provider-specific payload. Shape is capability-dependent:
// web results carry URL/Title/Snippet, image results may additionally carry
// the downloaded bytes and dimensions.
type RawItem struct {
	URL         string
	Title       string
	Snippet     string
	Domain      string
	ImageData   []byte
	ContentType string
	Width       int
	Height      int
}

// Result is the outcome of exactly one adapter Fetch. Never mutated after
// return.
type Result struct {
	ProviderID  string
	Items       []RawItem
	FetchedAt   time.Time
	Succeeded   bool
	FailureKind FailureKind
}

// Usable reports whether the result satisfies a query: a success with at
// least one item.
func (r Result) Usable() bool {
	return r.Succeeded && len(r.Items) > 0
}

// Adapter wraps one external provider behind a uniform fetch contract.
// Fetch may block on network I/O; callers bound it with the context.
type Adapter interface {
	// ID is the stable provider identifier used in evidence provenance,
	// quota accounting, and configuration.
	ID() string
	// Supports reports the adapter's static capability set.
	Supports(c Capability) bool
	// Fetch resolves the query. All failures, including timeouts and
	// malformed responses, are encoded in the Result.
	Fetch(ctx context.Context, q Query) Result
}

// failure builds a failed result for the given provider.
func failure(providerID string, kind FailureKind) Result {
	return Result{
		ProviderID:  providerID,
		FetchedAt:   time.Now(),
		Succeeded:   false,
		FailureKind: kind,
	}
}

// success builds a successful result; an empty item list is reported as
// NO_RESULTS so callers never need to special-case empty successes.
func success(providerID string, items []RawItem) Result {
	if len(items) == 0 {
		return failure(providerID, FailureNoResults)
	}
	return Result{
		ProviderID: providerID,
		Items:      items,
		FetchedAt:  time.Now(),
		Succeeded:  true,
	}
}
