package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"citywatch/internal/artifact"
	"citywatch/internal/logging"
	"citywatch/internal/provider"

	"golang.org/x/net/html"
)

// Outcome is what one Collect pass produced. PartialFailures counts
// items whose binary upload failed; those items still get a record, with
// an empty storage ref.
type Outcome struct {
	Records         []Record
	New             int
	PartialFailures int
}

// Collector turns provider results into persisted evidence records.
type Collector struct {
	store    *Store
	gateway  artifact.Gateway
	maxItems int
	client   *http.Client
	now      func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithMaxItems caps how many items of one result are collected. Values
// below 1 keep the default.
func WithMaxItems(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxItems = n
		}
	}
}

// WithHTTPClient sets the client used for page title enrichment.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Collector) { c.client = client }
}

// WithClock overrides the collection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func NewCollector(store *Store, gateway artifact.Gateway, opts ...Option) *Collector {
	c := &Collector{
		store:    store,
		gateway:  gateway,
		maxItems: 10,
		client:   &http.Client{Timeout: 8 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect normalizes one provider result into evidence records for the
// investigation. Re-collecting an identical result is idempotent: items
// whose record id already exists are skipped without a storage upload.
// An upload failure marks the item as a partial failure and collection
// of the remaining items continues.
func (c *Collector) Collect(ctx context.Context, investigationID string, capability provider.Capability, res provider.Result) (Outcome, error) {
	if !res.Usable() {
		return Outcome{}, fmt.Errorf("collect called with unusable result from %s", res.ProviderID)
	}

	kind := kindForCapability(capability)
	items := res.Items
	if len(items) > c.maxItems {
		items = items[:c.maxItems]
	}

	var out Outcome
	for _, item := range items {
		rec, existed, failed, err := c.collectOne(ctx, investigationID, kind, res.ProviderID, item)
		if err != nil {
			return out, err
		}
		out.Records = append(out.Records, rec)
		if !existed {
			out.New++
		}
		if failed {
			out.PartialFailures++
		}
	}

	logging.Evidence("investigation %s: collected %d %s records (%d new, %d partial failures) from %s",
		investigationID, len(out.Records), kind, out.New, out.PartialFailures, res.ProviderID)
	return out, nil
}

// CollectScreenshot persists one captured page screenshot. The record id
// derives from the page URL so re-capturing the same page is idempotent.
func (c *Collector) CollectScreenshot(ctx context.Context, investigationID, pageURL string, png []byte, providerID string) (Record, error) {
	item := provider.RawItem{
		URL:         pageURL,
		ImageData:   png,
		ContentType: "image/png",
		Domain:      domainOfURL(pageURL),
	}
	rec, _, failed, err := c.collectOne(ctx, investigationID, KindScreenshot, providerID, item)
	if err != nil {
		return Record{}, err
	}
	if failed {
		logging.Evidence("investigation %s: screenshot of %s stored without artifact ref", investigationID, pageURL)
	}
	return rec, nil
}

func (c *Collector) collectOne(ctx context.Context, investigationID string, kind Kind, providerID string, item provider.RawItem) (rec Record, existed, uploadFailed bool, err error) {
	id := RecordID(kind, item.URL, item.ImageData)

	exists, err := c.store.Exists(ctx, investigationID, id)
	if err != nil {
		return Record{}, false, false, err
	}
	if exists {
		rec, err := c.lookup(ctx, investigationID, id)
		return rec, true, false, err
	}

	rec = Record{
		ID:              id,
		InvestigationID: investigationID,
		Kind:            kind,
		SourceProvider:  providerID,
		SourceURL:       item.URL,
		Metadata: Metadata{
			Title:   item.Title,
			Snippet: item.Snippet,
			Domain:  item.Domain,
			Width:   item.Width,
			Height:  item.Height,
		},
		CollectedAt: c.now().UTC(),
	}

	if kind == KindPage && rec.Metadata.Title == "" && item.URL != "" {
		rec.Metadata.Title = c.fetchTitle(ctx, item.URL)
	}

	if len(item.ImageData) > 0 {
		ref, upErr := c.gateway.Upload(ctx, item.ImageData, item.ContentType, artifactKey(investigationID, kind, id))
		if upErr != nil {
			var se *artifact.StorageError
			if !errors.As(upErr, &se) {
				return Record{}, false, false, upErr
			}
			logging.Evidence("investigation %s: upload failed for %s item %s: %v", investigationID, kind, id, se)
			uploadFailed = true
		} else {
			rec.StorageRef = ref
		}
	}

	if _, err := c.store.Insert(ctx, rec); err != nil {
		return Record{}, false, false, err
	}
	return rec, false, uploadFailed, nil
}

func (c *Collector) lookup(ctx context.Context, investigationID, id string) (Record, error) {
	recs, err := c.store.ByInvestigation(ctx, investigationID)
	if err != nil {
		return Record{}, err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("record %s/%s vanished", investigationID, id)
}

// fetchTitle pulls the page and extracts its <title>. Best effort; an
// empty string on any failure.
func (c *Collector) fetchTitle(ctx context.Context, pageURL string) string {
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	return extractTitle(io.LimitReader(resp.Body, 256*1024))
}

// extractTitle walks the HTML token stream for the first <title> text.
func extractTitle(r io.Reader) string {
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = false
			}
		case html.TextToken:
			if inTitle {
				if title := strings.TrimSpace(string(z.Text())); title != "" {
					return title
				}
			}
		}
	}
}

func kindForCapability(c provider.Capability) Kind {
	if c == provider.CapabilityImage {
		return KindImage
	}
	return KindPage
}

func artifactKey(investigationID string, kind Kind, id string) string {
	return fmt.Sprintf("%s/%s/%s", investigationID, kind, id)
}

func domainOfURL(raw string) string {
	rest, ok := strings.CutPrefix(raw, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(raw, "http://")
		if !ok {
			return ""
		}
	}
	host, _, _ := strings.Cut(rest, "/")
	return strings.TrimPrefix(host, "www.")
}
