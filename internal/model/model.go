// Package model defines the persisted entities and wire types shared by the
// scrape orchestrator, the ingestion pipeline, and the HTTP surface.
package model

import "time"

// RunStatus represents the state of a query run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusError   RunStatus = "error"
)

// Site is one tracked marketplace.
type Site struct {
	ID      int64  `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	BaseURL string `json:"base"`
}

// Product is a catalog item tracked across one or more sites.
type Product struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ProductLink is a (product, site) pairing. Its price fields always reflect
// the most recent successful extraction; failed attempts leave them
// untouched.
type ProductLink struct {
	ID          int64      `json:"id"`
	ProductID   int64      `json:"productId"`
	SiteID      int64      `json:"siteId"`
	SiteKey     string     `json:"siteKey"`
	ProductName string     `json:"productName"`
	SKU         string     `json:"sku,omitempty"`
	URL         string     `json:"url"`
	Selector    string     `json:"selector,omitempty"`
	SearchQuery string     `json:"searchQuery,omitempty"`
	LastPrice   *float64   `json:"lastPrice,omitempty"`
	LastPack    *float64   `json:"lastPricePack,omitempty"`
	PackSize    *int       `json:"packSize,omitempty"`
	UnitLabel   string     `json:"unitLabel,omitempty"`
	PackLabel   string     `json:"packLabel,omitempty"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
}

// PriceSnapshot is an immutable record of one successful extraction.
type PriceSnapshot struct {
	ID            int64     `json:"id"`
	ProductLinkID int64     `json:"productLinkId"`
	UnitPrice     float64   `json:"unitPrice"`
	PackPrice     *float64  `json:"packPrice,omitempty"`
	PackSize      *int      `json:"packSize,omitempty"`
	CapturedAt    time.Time `json:"capturedAt"`
}

// PriceChange records a unit-price movement between two observations.
// It is never created on the first-ever observation for a link.
type PriceChange struct {
	ID            int64     `json:"id"`
	ProductLinkID int64     `json:"productLinkId"`
	Old           float64   `json:"old"`
	New           float64   `json:"new"`
	ChangedAt     time.Time `json:"changedAt"`
}

// QueryRun is one orchestration invocation.
type QueryRun struct {
	ID         string     `json:"id"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	EtaSec     *int       `json:"etaSec,omitempty"`
	Note       string     `json:"note,omitempty"`
}

// Credentials holds a per-site login pair with an optional TOTP secret.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totpSecret,omitempty"`
}

// PriceResult is the outcome of a single successful price extraction.
// Amount is the unit price when one could be observed or derived,
// otherwise the pack price.
type PriceResult struct {
	Amount    float64  `json:"amount"`
	UnitLabel string   `json:"unitLabel,omitempty"`
	PackPrice *float64 `json:"packPrice,omitempty"`
	PackSize  *int     `json:"packSize,omitempty"`
	PackLabel string   `json:"packLabel,omitempty"`
}
