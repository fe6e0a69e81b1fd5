package provider

import (
	"context"
	"fmt"
	"net/url"
)

const serpAPIDefaultBaseURL = "https://serpapi.com"

// SerpAPIAdapter wraps SerpAPI's Google engines. It is the shared
// fallback provider: one adapter serves web-text, web-news, and image
// queries, and therefore all three capabilities compete for the same
// daily quota pool at the coordinator level.
type SerpAPIAdapter struct {
	client  *apiClient
	baseURL string
	apiKey  string
	num     int
}

func NewSerpAPIAdapter(o Options) *SerpAPIAdapter {
	base := o.BaseURL
	if base == "" {
		base = serpAPIDefaultBaseURL
	}
	return &SerpAPIAdapter{
		client:  newAPIClient(o),
		baseURL: base,
		apiKey:  o.APIKey,
		num:     10,
	}
}

func (a *SerpAPIAdapter) ID() string { return "serpapi" }

func (a *SerpAPIAdapter) Supports(c Capability) bool {
	switch c {
	case CapabilityWebText, CapabilityWebNews, CapabilityImage:
		return true
	}
	return false
}

type serpAPIResponse struct {
	OrganicResults []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
	NewsResults []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Source  string `json:"source"`
	} `json:"news_results"`
	ImagesResults []struct {
		Original       string `json:"original"`
		Title          string `json:"title"`
		Source         string `json:"source"`
		OriginalWidth  int    `json:"original_width"`
		OriginalHeight int    `json:"original_height"`
	} `json:"images_results"`
}

func engineFor(c Capability) string {
	switch c {
	case CapabilityWebNews:
		return "google_news"
	case CapabilityImage:
		return "google_images"
	default:
		return "google"
	}
}

func (a *SerpAPIAdapter) Fetch(ctx context.Context, q Query) Result {
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

	endpoint := fmt.Sprintf("%s/search.json?engine=%s&q=%s&num=%d&api_key=%s",
		a.baseURL, engineFor(q.Capability), url.QueryEscape(q.Text), a.num, url.QueryEscape(a.apiKey))

	var resp serpAPIResponse
	if err := a.client.getJSON(ctx, endpoint, nil, &resp); err != nil {
		logFetchFailure(a.ID(), q, err)
		return failure(a.ID(), classify(err))
	}

	var items []RawItem
	switch q.Capability {
	case CapabilityWebText:
		for _, r := range resp.OrganicResults {
			if r.Link == "" {
				continue
			}
			items = append(items, RawItem{
				URL:     r.Link,
				Title:   r.Title,
				Snippet: r.Snippet,
				Domain:  domainOf(r.Link),
			})
		}
	case CapabilityWebNews:
		for _, r := range resp.NewsResults {
			if r.Link == "" {
				continue
			}
			domain := r.Source
			if domain == "" {
				domain = domainOf(r.Link)
			}
			items = append(items, RawItem{
				URL:     r.Link,
				Title:   r.Title,
				Snippet: r.Snippet,
				Domain:  domain,
			})
		}
	case CapabilityImage:
		for _, r := range resp.ImagesResults {
			if r.Original == "" {
				continue
			}
			item := RawItem{
				URL:    r.Original,
				Title:  r.Title,
				Domain: r.Source,
				Width:  r.OriginalWidth,
				Height: r.OriginalHeight,
			}
			if data, ct, err := a.client.fetchImage(ctx, r.Original); err == nil {
				item.ImageData = data
				item.ContentType = ct
			}
			items = append(items, item)
		}
	}
	return success(a.ID(), items)
}
