package adapter

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/model"
)

const (
	maxyPanelPath        = "/order/panel.php"
	maxyDefaultPanelPath = "/order/panel.php?CategoryID=75"
	maxyCategoryInput    = `#CategoryID`

	maxySearchToggle = `nav.main-header [data-widget="navbar-search"]`
	maxySearchInput  = `nav.main-header .navbar-search-block input.form-control.form-control-navbar`
	maxySearchSubmit = `nav.main-header .navbar-search-block button[type="submit"]`
)

// MaxyWholesale drives the ordering panel at maxywholesale.com. Products
// have no stable URLs, so every extraction goes through the panel's
// search box and picks the matching product card. The panel URL carries a
// per-account CategoryID captured at login time.
type MaxyWholesale struct {
	spec     SiteSpec
	panelURL string
}

func (a *MaxyWholesale) SiteKey() string { return a.spec.Key }

func (a *MaxyWholesale) panel() string {
	if a.panelURL != "" {
		return a.panelURL
	}
	return a.spec.BaseURL + maxyDefaultPanelPath
}

func (a *MaxyWholesale) onPanel(d browser.PageDriver) bool {
	return strings.Contains(strings.ToLower(d.URL()), maxyPanelPath)
}

func (a *MaxyWholesale) rememberPanel(u string) {
	if strings.Contains(strings.ToLower(u), maxyPanelPath) {
		a.panelURL = u
	}
}

func (a *MaxyWholesale) hasSearchControls(ctx context.Context, d browser.PageDriver) (bool, error) {
	return d.Exists(ctx, maxySearchToggle)
}

func (a *MaxyWholesale) IsLoggedIn(ctx context.Context, d browser.PageDriver) (bool, error) {
	if a.onPanel(d) {
		if ok, err := a.hasSearchControls(ctx, d); err == nil && ok {
			a.rememberPanel(d.URL())
			return true, nil
		}
	}

	if err := d.Navigate(ctx, a.panel()); err != nil {
		return false, nil
	}
	if a.onPanel(d) {
		if ok, err := a.hasSearchControls(ctx, d); err == nil && ok {
			a.rememberPanel(d.URL())
			return true, nil
		}
	}
	return d.Exists(ctx, a.spec.LogoutMarkers...)
}

// ensurePanel navigates to the order panel until the search controls show
// up. The site occasionally bounces the first request to a splash page.
func (a *MaxyWholesale) ensurePanel(ctx context.Context, d browser.PageDriver) error {
	for i := 0; i < 3; i++ {
		ok, err := a.hasSearchControls(ctx, d)
		if err != nil {
			return err
		}
		if ok {
			a.rememberPanel(d.URL())
			return nil
		}
		if err := d.Navigate(ctx, a.panel()); err != nil {
			return err
		}
		settle(ctx, 600*time.Millisecond)
	}
	return eris.Wrap(ErrExtractionFailed, "maxywholesale: order panel unreachable")
}

func (a *MaxyWholesale) Login(ctx context.Context, d browser.PageDriver, cred model.Credentials) error {
	if err := d.Navigate(ctx, a.spec.AccountURL()); err != nil {
		return err
	}
	settle(ctx, time.Second)

	// The login page embeds the account's category, which fixes the panel
	// URL for the rest of the session.
	if has, err := d.Exists(ctx, maxyCategoryInput); err == nil && has {
		if v, err := d.Value(ctx, maxyCategoryInput); err == nil && v != "" {
			a.panelURL = a.spec.BaseURL + maxyPanelPath + "?CategoryID=" + v
		}
	}

	if err := d.Fill(ctx, cred.Username, a.spec.UserSelectors...); err != nil {
		return eris.Wrap(err, "maxywholesale: username field")
	}
	settle(ctx, 300*time.Millisecond)
	if err := d.Fill(ctx, cred.Password, a.spec.PassSelectors...); err != nil {
		return eris.Wrap(err, "maxywholesale: password field")
	}
	settle(ctx, 300*time.Millisecond)
	if err := d.Click(ctx, a.spec.SubmitSelectors...); err != nil {
		return eris.Wrap(err, "maxywholesale: submit login")
	}
	settle(ctx, 1500*time.Millisecond)

	ok, err := a.IsLoggedIn(ctx, d)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrap(ErrAuthenticationFailed, "maxywholesale: panel not reachable after submit")
	}
	return nil
}

func (a *MaxyWholesale) ExtractPrice(ctx context.Context, d browser.PageDriver, link model.ProductLink) (model.PriceResult, error) {
	query := searchQuery(link)
	if query == "" {
		return model.PriceResult{}, eris.Wrap(ErrExtractionFailed, "maxywholesale: link has no search query")
	}

	if err := a.ensurePanel(ctx, d); err != nil {
		return model.PriceResult{}, err
	}
	settle(ctx, 400*time.Millisecond)

	// The search block starts collapsed on a fresh panel load.
	if has, err := d.Exists(ctx, maxySearchToggle); err == nil && has {
		if err := d.Click(ctx, maxySearchToggle); err != nil {
			return model.PriceResult{}, eris.Wrap(err, "maxywholesale: open search")
		}
		settle(ctx, 250*time.Millisecond)
	}
	if err := d.Fill(ctx, query, maxySearchInput); err != nil {
		return model.PriceResult{}, eris.Wrap(err, "maxywholesale: search input")
	}
	if err := d.Click(ctx, maxySearchSubmit); err != nil {
		return model.PriceResult{}, eris.Wrap(err, "maxywholesale: submit search")
	}
	settle(ctx, time.Second)

	href, found, err := d.FindByText(ctx, a.spec.SearchCardSelector, query)
	if err != nil {
		return model.PriceResult{}, err
	}
	if !found {
		return model.PriceResult{}, eris.Wrapf(ErrExtractionFailed, "maxywholesale: product %q not found", query)
	}
	if href != "" {
		target, err := a.resolve(href)
		if err != nil {
			return model.PriceResult{}, err
		}
		if err := d.Navigate(ctx, target); err != nil {
			return model.PriceResult{}, err
		}
	}

	return extractDetail(ctx, d, link.Selector, a.spec)
}

func (a *MaxyWholesale) resolve(href string) (string, error) {
	base, err := url.Parse(a.spec.BaseURL)
	if err != nil {
		return "", eris.Wrap(err, "maxywholesale: parse base url")
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", eris.Wrapf(err, "maxywholesale: parse product href %q", href)
	}
	return base.ResolveReference(ref).String(), nil
}

// searchQuery picks the text to type into the panel search box.
func searchQuery(link model.ProductLink) string {
	for _, s := range []string{link.SearchQuery, link.SKU, link.ProductName} {
		if q := strings.TrimSpace(s); q != "" {
			return q
		}
	}
	return ""
}
