package provider

import (
	"context"
	"fmt"
	"net/url"
)

const braveDefaultBaseURL = "https://api.search.brave.com/res/v1"

// BraveAdapter wraps the Brave Search web API. Primary provider for
// web-text queries.
type BraveAdapter struct {
	client  *apiClient
	baseURL string
	apiKey  string
	count   int
}

// NewBraveAdapter builds the adapter. An empty API key is allowed at
// construction time; fetches will fail as transient until one is set.
func NewBraveAdapter(o Options) *BraveAdapter {
	base := o.BaseURL
	if base == "" {
		base = braveDefaultBaseURL
	}
	return &BraveAdapter{
		client:  newAPIClient(o),
		baseURL: base,
		apiKey:  o.APIKey,
		count:   10,
	}
}

func (a *BraveAdapter) ID() string { return "brave-text" }

func (a *BraveAdapter) Supports(c Capability) bool { return c == CapabilityWebText }

type braveResponse struct {
	Web struct {
		Results []struct {
			URL         string `json:"url"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (a *BraveAdapter) Fetch(ctx context.Context, q Query) Result {
	if !a.Supports(q.Capability) {
		return failure(a.ID(), FailureUnsupported)
	}
	if q.Text == "" {
		return failure(a.ID(), FailureNoResults)
	}
	if a.apiKey == "" {
		logFetchFailure(a.ID(), q, fmt.Errorf("no API key configured"))
		return failure(a.ID(), FailureTransient)
	}

	endpoint := fmt.Sprintf("%s/web/search?q=%s&count=%d",
		a.baseURL, url.QueryEscape(q.Text), a.count)

	var resp braveResponse
	err := a.client.getJSON(ctx, endpoint, map[string]string{
		"X-Subscription-Token": a.apiKey,
	}, &resp)
	if err != nil {
		logFetchFailure(a.ID(), q, err)
		return failure(a.ID(), classify(err))
	}

	items := make([]RawItem, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		if r.URL == "" {
			continue
		}
		items = append(items, RawItem{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: r.Description,
			Domain:  domainOf(r.URL),
		})
	}
	return success(a.ID(), items)
}
