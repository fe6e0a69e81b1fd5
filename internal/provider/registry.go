package provider

import (
	"fmt"

	"citywatch/internal/config"
)

// Build constructs the adapter variant for one provider config entry.
// The set of variants is closed: selection is by configured id, not
// runtime type inspection.
func Build(pc config.ProviderConfig) (Adapter, error) {
	o := Options{
		BaseURL:       pc.BaseURL,
		APIKey:        pc.APIKey(),
		RatePerSecond: pc.RatePerSecond,
	}
	switch pc.ID {
	case "brave-text":
		return NewBraveAdapter(o), nil
	case "newsapi":
		return NewNewsAPIAdapter(o), nil
	case "openverse":
		return NewOpenverseAdapter(o), nil
	case "serpapi":
		return NewSerpAPIAdapter(o), nil
	case MockID:
		return NewMockAdapter(), nil
	}
	return nil, fmt.Errorf("unknown provider id %q", pc.ID)
}
