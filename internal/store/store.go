// Package store persists the price-tracking data model behind a backend
// interface with SQLite and Postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/model"
)

// ErrLinkNotFound is returned by ApplyPriceUpdate when the referenced
// product link does not exist or belongs to another site than required.
var ErrLinkNotFound = eris.New("store: product link not found")

// ErrRunNotFound is returned when a query run id is unknown.
var ErrRunNotFound = eris.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// PriceUpdate is one observed price applied transactionally: the link's
// rolling fields, an append-only snapshot, and a change record when the
// unit price moved.
type PriceUpdate struct {
	LinkID     int64
	UnitPrice  float64
	PackPrice  *float64
	PackSize   *int
	UnitLabel  string
	PackLabel  string
	CapturedAt time.Time

	// SiteID restricts the update to links of one site. Zero means any
	// site; the manual capture flow pins it to the manual site.
	SiteID int64
}

// ChangeFeedItem is one row of the recent price-movement feed.
type ChangeFeedItem struct {
	Product   string    `json:"product"`
	Site      string    `json:"site"`
	Old       float64   `json:"old"`
	New       float64   `json:"new"`
	ChangedAt time.Time `json:"changedAt"`
}

// SiteAggregate summarizes the tracked links of one site.
type SiteAggregate struct {
	Site    string     `json:"site"`
	Items   int        `json:"items"`
	Updated *time.Time `json:"updated,omitempty"`
}

// Store defines the persistence interface for the price tracker.
type Store interface {
	// Catalog
	ListSites(ctx context.Context) ([]model.Site, error)
	SeedSites(ctx context.Context, sites []model.Site) error
	CreateProduct(ctx context.Context, name string) (*model.Product, error)
	CreateLink(ctx context.Context, link model.ProductLink) (*model.ProductLink, error)
	ListLinks(ctx context.Context, siteKey string) ([]model.ProductLink, error)

	// Prices
	ApplyPriceUpdate(ctx context.Context, upd PriceUpdate) error
	ListSnapshots(ctx context.Context, linkID int64) ([]model.PriceSnapshot, error)
	ListChanges(ctx context.Context, linkID int64) ([]model.PriceChange, error)
	RecentChanges(ctx context.Context, limit int) ([]ChangeFeedItem, error)
	SiteAggregates(ctx context.Context) ([]SiteAggregate, error)

	// Runs
	CreateRun(ctx context.Context, etaSec *int, note string) (*model.QueryRun, error)
	UpdateRunNote(ctx context.Context, runID, note string) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, note string) error
	GetRun(ctx context.Context, runID string) (*model.QueryRun, error)
	LatestRun(ctx context.Context) (*model.QueryRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.QueryRun, error)
	ResetStuckRuns(ctx context.Context) (int, error)

	// Credentials. GetCredentials returns nil without error when no row
	// exists; the creds provider decides what that means.
	GetCredentials(ctx context.Context, siteKey string) (*model.Credentials, error)
	UpsertCredentials(ctx context.Context, siteKey string, cred model.Credentials) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
