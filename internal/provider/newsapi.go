package provider

import (
	"context"
	"fmt"
	"net/url"
)

const newsAPIDefaultBaseURL = "https://newsapi.org/v2"

// NewsAPIAdapter wraps the NewsAPI.org /everything endpoint. Primary
// provider for web-news queries.
type NewsAPIAdapter struct {
	client   *apiClient
	baseURL  string
	apiKey   string
	pageSize int
}

func NewNewsAPIAdapter(o Options) *NewsAPIAdapter {
	base := o.BaseURL
	if base == "" {
		base = newsAPIDefaultBaseURL
	}
	return &NewsAPIAdapter{
		client:   newAPIClient(o),
		baseURL:  base,
		apiKey:   o.APIKey,
		pageSize: 10,
	}
}

func (a *NewsAPIAdapter) ID() string { return "newsapi" }

func (a *NewsAPIAdapter) Supports(c Capability) bool { return c == CapabilityWebNews }

type newsAPIResponse struct {
	Status   string `json:"status"`
	Articles []struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func (a *NewsAPIAdapter) Fetch(ctx context.Context, q Query) Result {
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

	endpoint := fmt.Sprintf("%s/everything?q=%s&pageSize=%d&sortBy=relevancy",
		a.baseURL, url.QueryEscape(q.Text), a.pageSize)

	var resp newsAPIResponse
	err := a.client.getJSON(ctx, endpoint, map[string]string{
		"X-Api-Key": a.apiKey,
	}, &resp)
	if err != nil {
		logFetchFailure(a.ID(), q, err)
		return failure(a.ID(), classify(err))
	}
	if resp.Status != "ok" {
		logFetchFailure(a.ID(), q, fmt.Errorf("status %q", resp.Status))
		return failure(a.ID(), FailureTransient)
	}

	items := make([]RawItem, 0, len(resp.Articles))
	for _, art := range resp.Articles {
		if art.URL == "" {
			continue
		}
		domain := domainOf(art.URL)
		if art.Source.Name != "" {
			domain = art.Source.Name
		}
		items = append(items, RawItem{
			URL:     art.URL,
			Title:   art.Title,
			Snippet: art.Description,
			Domain:  domain,
		})
	}
	return success(a.ID(), items)
}
