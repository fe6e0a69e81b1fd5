package evidence

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"citywatch/internal/artifact"
	"citywatch/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyGateway fails uploads for keys matching failSubstr and counts
// every call.
type flakyGateway struct {
	mu         sync.Mutex
	uploads    int
	failSubstr string
}

func (g *flakyGateway) Upload(_ context.Context, data []byte, contentType, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploads++
	if g.failSubstr != "" && strings.Contains(key, g.failSubstr) {
		return "", &artifact.StorageError{Backend: "fake", Key: key, Err: fmt.Errorf("injected failure")}
	}
	return "fake://" + key, nil
}

func newTestCollector(t *testing.T, gw artifact.Gateway) (*Collector, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if gw == nil {
		gw = &flakyGateway{}
	}
	return NewCollector(store, gw), store
}

func imageResult(urls ...string) provider.Result {
	res := provider.Result{ProviderID: "openverse", FetchedAt: time.Now(), Succeeded: true}
	for _, u := range urls {
		res.Items = append(res.Items, provider.RawItem{
			URL:         u,
			ImageData:   []byte("bytes-of-" + u),
			ContentType: "image/jpeg",
			Domain:      "img.example",
		})
	}
	return res
}

func TestCollectPersistsPageRecords(t *testing.T) {
	c, store := newTestCollector(t, nil)

	res := provider.Result{
		ProviderID: "brave-text",
		Succeeded:  true,
		FetchedAt:  time.Now(),
		Items: []provider.RawItem{
			{URL: "https://news.example/pothole", Title: "Pothole worsens", Snippet: "Residents report", Domain: "news.example"},
			{URL: "https://blog.example/street", Title: "Street conditions", Domain: "blog.example"},
		},
	}

	out, err := c.Collect(context.Background(), "inv-1", provider.CapabilityWebText, res)
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, 2, out.New)
	assert.Equal(t, 0, out.PartialFailures)
	assert.Equal(t, KindPage, out.Records[0].Kind)
	assert.Equal(t, "brave-text", out.Records[0].SourceProvider)

	persisted, err := store.ByInvestigation(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
	assert.Equal(t, "Pothole worsens", persisted[0].Metadata.Title)
}

func TestCollectIsIdempotent(t *testing.T) {
	gw := &flakyGateway{}
	c, store := newTestCollector(t, gw)
	res := imageResult("https://img.example/1.jpg", "https://img.example/2.jpg")

	first, err := c.Collect(context.Background(), "inv-1", provider.CapabilityImage, res)
	require.NoError(t, err)
	second, err := c.Collect(context.Background(), "inv-1", provider.CapabilityImage, res)
	require.NoError(t, err)

	assert.Len(t, first.Records, 2)
	assert.Len(t, second.Records, 2)
	assert.Equal(t, 0, second.New)
	assert.Equal(t, 2, gw.uploads, "re-collection must not re-upload")

	n, err := store.Count(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollectPartialUploadFailure(t *testing.T) {
	// 3 image items, the 2nd upload fails: all 3 get records, one with
	// an empty ref, and exactly one partial failure is reported.
	res := imageResult("https://img.example/a.jpg", "https://img.example/b.jpg", "https://img.example/c.jpg")
	failID := RecordID(KindImage, "https://img.example/b.jpg", nil)
	c, _ := newTestCollector(t, &flakyGateway{failSubstr: failID})

	out, err := c.Collect(context.Background(), "inv-1", provider.CapabilityImage, res)
	require.NoError(t, err)
	require.Len(t, out.Records, 3)
	assert.Equal(t, 1, out.PartialFailures)

	var withRef, withoutRef int
	for _, r := range out.Records {
		if r.StorageRef != "" {
			withRef++
		} else {
			withoutRef++
		}
	}
	assert.Equal(t, 2, withRef)
	assert.Equal(t, 1, withoutRef)
}

func TestCollectRejectsUnusableResult(t *testing.T) {
	c, _ := newTestCollector(t, nil)
	res := provider.Result{ProviderID: "brave-text", FailureKind: provider.FailureNoResults}
	_, err := c.Collect(context.Background(), "inv-1", provider.CapabilityWebText, res)
	assert.Error(t, err)
}

func TestCollectCapsItems(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	defer store.Close()
	c := NewCollector(store, &flakyGateway{}, WithMaxItems(2))

	res := imageResult("https://img.example/1.jpg", "https://img.example/2.jpg", "https://img.example/3.jpg")
	out, err := c.Collect(context.Background(), "inv-1", provider.CapabilityImage, res)
	require.NoError(t, err)
	assert.Len(t, out.Records, 2)
}

func TestCollectEnrichesMissingPageTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Broken Hydrant on 5th</title></head><body></body></html>`)
	}))
	defer srv.Close()

	store, err := NewStore(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	defer store.Close()
	c := NewCollector(store, &flakyGateway{}, WithHTTPClient(srv.Client()))

	res := provider.Result{
		ProviderID: "serpapi",
		Succeeded:  true,
		FetchedAt:  time.Now(),
		Items:      []provider.RawItem{{URL: srv.URL + "/hydrant"}},
	}
	out, err := c.Collect(context.Background(), "inv-1", provider.CapabilityWebText, res)
	require.NoError(t, err)
	assert.Equal(t, "Broken Hydrant on 5th", out.Records[0].Metadata.Title)
}

func TestCollectScreenshotIdempotentOnPageURL(t *testing.T) {
	gw := &flakyGateway{}
	c, store := newTestCollector(t, gw)

	png := []byte("fake-png")
	r1, err := c.CollectScreenshot(context.Background(), "inv-1", "https://news.example/pothole", png, "browser")
	require.NoError(t, err)
	r2, err := c.CollectScreenshot(context.Background(), "inv-1", "https://news.example/pothole", png, "browser")
	require.NoError(t, err)

	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, KindScreenshot, r1.Kind)
	assert.Equal(t, "news.example", r1.Metadata.Domain)
	assert.Equal(t, 1, gw.uploads)

	n, err := store.Count(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordIDDeterminism(t *testing.T) {
	a := RecordID(KindPage, "https://x.example/a", nil)
	b := RecordID(KindPage, "https://x.example/a", nil)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, RecordID(KindImage, "https://x.example/a", nil))
	assert.NotEqual(t, a, RecordID(KindPage, "https://x.example/b", nil))

	// URL-less items fall back to content hashing.
	c1 := RecordID(KindScreenshot, "", []byte("pixels"))
	c2 := RecordID(KindScreenshot, "", []byte("pixels"))
	assert.Equal(t, c1, c2)
	assert.NotEqual(t, c1, RecordID(KindScreenshot, "", []byte("other")))
}

func TestExtractTitle(t *testing.T) {
	got := extractTitle(strings.NewReader(`<html><head><meta charset="utf-8"><title>  Flood Watch  </title></head></html>`))
	assert.Equal(t, "Flood Watch", got)
	assert.Empty(t, extractTitle(strings.NewReader(`<html><body>no title</body></html>`)))
}
