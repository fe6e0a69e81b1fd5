// Package signal ingests civic complaint signals from a spool directory
// and dispatches an investigation per signal.
package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Signal is one inbound 311-style complaint, spooled as a JSON file.
type Signal struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Location    string    `json:"location,omitempty"`
	ReportedAt  time.Time `json:"reported_at"`
}

// Validate checks the fields an investigation needs.
func (s Signal) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signal missing id")
	}
	if s.Category == "" && s.Description == "" {
		return fmt.Errorf("signal %s has neither category nor description", s.ID)
	}
	return nil
}

// Topic builds the investigation query text for this signal.
func (s Signal) Topic() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{s.Category, s.Description, s.Location} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// ParseFile reads and validates one spooled signal file.
func ParseFile(path string) (Signal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Signal{}, err
	}
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return Signal{}, fmt.Errorf("decode signal %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}
