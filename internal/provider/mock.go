package provider

import (
	"context"
	"fmt"
	"time"
)

// MockID is the provider id downstream consumers check to distinguish
// synthetic placeholders from real evidence.
const MockID = "mock"

// MockAdapter is the last-resort degraded provider. It always succeeds
// with a single clearly-marked placeholder item so that downstream logic
// receives a structurally valid result even when every real provider is
// exhausted. Report rendering must never present these items as evidence.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) ID() string { return MockID }

func (a *MockAdapter) Supports(Capability) bool { return true }

func (a *MockAdapter) Fetch(_ context.Context, q Query) Result {
	item := RawItem{
		URL:    fmt.Sprintf("internal://mock/%s/%s", q.Capability, q.InvestigationID),
		Title:  fmt.Sprintf("No provider results for %q", q.Text),
		Domain: "internal",
		Snippet: fmt.Sprintf(
			"All configured %s providers were exhausted for query %q. This is a synthetic placeholder, not evidence.",
			q.Capability, q.Text),
	}
	return Result{
		ProviderID: MockID,
		Items:      []RawItem{item},
		FetchedAt:  time.Now(),
		Succeeded:  true,
	}
}
