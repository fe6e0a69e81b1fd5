package provider

import (
	"context"
	"fmt"
	"net/url"
)

const openverseDefaultBaseURL = "https://api.openverse.org/v1"

// OpenverseAdapter wraps the Openverse image search API. Primary provider
// for image queries; no API key required.
type OpenverseAdapter struct {
	client   *apiClient
	baseURL  string
	pageSize int
	// maxDownloads bounds how many result images are fetched as bytes.
	// Remaining results are returned URL-only.
	maxDownloads int
}

func NewOpenverseAdapter(o Options) *OpenverseAdapter {
	base := o.BaseURL
	if base == "" {
		base = openverseDefaultBaseURL
	}
	return &OpenverseAdapter{
		client:       newAPIClient(o),
		baseURL:      base,
		pageSize:     8,
		maxDownloads: 4,
	}
}

func (a *OpenverseAdapter) ID() string { return "openverse" }

func (a *OpenverseAdapter) Supports(c Capability) bool { return c == CapabilityImage }

type openverseResponse struct {
	Results []struct {
		URL    string `json:"url"`
		Title  string `json:"title"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		// ForeignLandingURL is the page hosting the image.
		ForeignLandingURL string `json:"foreign_landing_url"`
	} `json:"results"`
}

func (a *OpenverseAdapter) Fetch(ctx context.Context, q Query) Result {
	if !a.Supports(q.Capability) {
		return failure(a.ID(), FailureUnsupported)
	}
	if q.Text == "" {
		return failure(a.ID(), FailureNoResults)
	}

	endpoint := fmt.Sprintf("%s/images/?q=%s&page_size=%d",
		a.baseURL, url.QueryEscape(q.Text), a.pageSize)

	var resp openverseResponse
	if err := a.client.getJSON(ctx, endpoint, nil, &resp); err != nil {
		logFetchFailure(a.ID(), q, err)
		return failure(a.ID(), classify(err))
	}

	items := make([]RawItem, 0, len(resp.Results))
	downloaded := 0
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		item := RawItem{
			URL:    r.URL,
			Title:  r.Title,
			Domain: domainOf(r.ForeignLandingURL),
			Width:  r.Width,
			Height: r.Height,
		}
		if item.Domain == "" {
			item.Domain = domainOf(r.URL)
		}
		// Best-effort byte fetch; a failed download keeps the item
		// URL-only rather than dropping it.
		if downloaded < a.maxDownloads {
			if data, ct, err := a.client.fetchImage(ctx, r.URL); err == nil {
				item.ImageData = data
				item.ContentType = ct
				downloaded++
			}
		}
		items = append(items, item)
	}
	return success(a.ID(), items)
}
