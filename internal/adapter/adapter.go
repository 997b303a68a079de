// Package adapter implements per-marketplace login detection,
// authentication, and price extraction. The five sites share no type
// hierarchy: each adapter satisfies the same interface and composes the
// shared helpers (ordered selector probing, unit/pack option enumeration,
// TOTP generation) with its own declarative SiteSpec.
package adapter

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/model"
)

// ErrAuthenticationFailed marks a site-scoped login failure. It is
// non-fatal to the run: the site's remaining links are skipped and the
// run continues.
var ErrAuthenticationFailed = eris.New("adapter: authentication failed")

// ErrExtractionFailed marks a link-scoped extraction failure. Stored
// prices stay untouched and the site's remaining links still run.
var ErrExtractionFailed = eris.New("adapter: extraction failed")

// Adapter is the capability set one marketplace implements.
type Adapter interface {
	// SiteKey identifies the marketplace this adapter drives.
	SiteKey() string
	// IsLoggedIn re-verifies the session with a site-specific check. It
	// never assumes success.
	IsLoggedIn(ctx context.Context, d browser.PageDriver) (bool, error)
	// Login authenticates and re-verifies via IsLoggedIn.
	Login(ctx context.Context, d browser.PageDriver, cred model.Credentials) error
	// ExtractPrice navigates to the link and reads its current price.
	ExtractPrice(ctx context.Context, d browser.PageDriver, link model.ProductLink) (model.PriceResult, error)
}

// Registry returns the fixed adapter set keyed by site.
func Registry() map[string]Adapter {
	return map[string]Adapter{
		SiteRomprod:       &Romprod{spec: Sites[SiteRomprod]},
		SiteMastersale:    &Mastersale{spec: Sites[SiteMastersale]},
		SiteMaxyWholesale: &MaxyWholesale{spec: Sites[SiteMaxyWholesale]},
		SiteRomegaFoods:   &RomegaFoods{spec: Sites[SiteRomegaFoods]},
		SiteFoodex:        &Foodex{spec: Sites[SiteFoodex]},
	}
}
