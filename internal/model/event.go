package model

import "time"

// Event type markers carried on error events. Success events have no type
// field; they are identified by the presence of an amount.
const (
	EventTypeScrapeError = "scrape-error"
	EventTypeLoginError  = "login-error"
)

// PriceEvent is one line of the newline-delimited JSON event stream. All
// scrape outcomes leave the orchestrator through this shape and nothing
// else; the ingestion pipeline and the manual-capture producer both speak
// it.
type PriceEvent struct {
	Type string `json:"type,omitempty"`

	// Success fields.
	ID          *int64   `json:"id,omitempty"`
	TS          string   `json:"ts,omitempty"`
	SiteKey     string   `json:"siteId,omitempty"`
	Name        string   `json:"name,omitempty"`
	SKU         string   `json:"sku,omitempty"`
	URL         string   `json:"url,omitempty"`
	SearchQuery string   `json:"searchQuery,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
	PackPrice   *float64 `json:"packPrice,omitempty"`
	PackSize    *int     `json:"packSize,omitempty"`
	UnitLabel   string   `json:"unitLabel,omitempty"`
	PackLabel   string   `json:"packLabel,omitempty"`
	Formatted   string   `json:"formatted,omitempty"`

	// Error fields.
	Message string `json:"message,omitempty"`
}

// IsError reports whether the event is a scrape or login error record.
func (e *PriceEvent) IsError() bool {
	return e.Type == EventTypeScrapeError || e.Type == EventTypeLoginError
}

// CapturedAt parses the event timestamp, falling back to now for events
// that omit or mangle it.
func (e *PriceEvent) CapturedAt() time.Time {
	if e.TS != "" {
		if ts, err := time.Parse(time.RFC3339, e.TS); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
