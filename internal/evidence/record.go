// Package evidence normalizes provider results into persisted evidence
// records. Record IDs are content-derived so re-collecting the same item
// is a no-op.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Kind classifies what an evidence record captures.
type Kind string

const (
	KindPage       Kind = "page"
	KindScreenshot Kind = "screenshot"
	KindImage      Kind = "image"
)

// Record is the normalized, persisted unit of investigation support
// material. Immutable after creation except for a terminal StorageRef
// backfill.
type Record struct {
	ID              string    `json:"id"`
	InvestigationID string    `json:"investigation_id"`
	Kind            Kind      `json:"kind"`
	SourceProvider  string    `json:"source_provider"`
	SourceURL       string    `json:"source_url"`
	StorageRef      string    `json:"storage_ref,omitempty"`
	Metadata        Metadata  `json:"metadata"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Metadata carries the descriptive fields providers return alongside an
// item.
type Metadata struct {
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// Synthetic reports whether the record came from the last-resort mock
// provider rather than a real source.
func (r Record) Synthetic() bool { return r.SourceProvider == "mock" }

// RecordID derives the stable record identifier. Items with a source URL
// hash (kind, url); items identified only by their bytes (a screenshot
// before it has a URL-independent identity) hash (kind, content). The
// same item collected twice therefore maps to the same ID.
func RecordID(kind Kind, sourceURL string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	if sourceURL != "" {
		h.Write([]byte(sourceURL))
	} else {
		h.Write(content)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
