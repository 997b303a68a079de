package adapter

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/model"
)

// loginFormMarker matches a rendered password form. Mastersale keeps a
// logout link in cached navigation even for anonymous visitors, so a
// logout link alone does not prove an authenticated session.
const loginFormMarker = `form input[type="password"]`

// Mastersale drives the mastersale.eu storefront.
type Mastersale struct {
	spec SiteSpec
}

func (a *Mastersale) SiteKey() string { return a.spec.Key }

func (a *Mastersale) IsLoggedIn(ctx context.Context, d browser.PageDriver) (bool, error) {
	if err := d.Navigate(ctx, a.spec.BaseURL); err != nil {
		return false, err
	}
	hasLogout, err := d.Exists(ctx, a.spec.LogoutMarkers...)
	if err != nil || !hasLogout {
		return false, err
	}
	hasLoginForm, err := d.Exists(ctx, loginFormMarker)
	if err != nil {
		return false, err
	}
	return !hasLoginForm, nil
}

func (a *Mastersale) Login(ctx context.Context, d browser.PageDriver, cred model.Credentials) error {
	if err := d.Navigate(ctx, a.spec.AccountURL()); err != nil {
		return err
	}
	if err := d.Fill(ctx, cred.Username, a.spec.UserSelectors...); err != nil {
		return eris.Wrap(err, "mastersale: username field")
	}
	if err := d.Fill(ctx, cred.Password, a.spec.PassSelectors...); err != nil {
		return eris.Wrap(err, "mastersale: password field")
	}
	if err := d.Click(ctx, a.spec.SubmitSelectors...); err != nil {
		return eris.Wrap(err, "mastersale: submit login")
	}

	ok, err := a.IsLoggedIn(ctx, d)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrap(ErrAuthenticationFailed, "mastersale: login form still present after submit")
	}
	return nil
}

func (a *Mastersale) ExtractPrice(ctx context.Context, d browser.PageDriver, link model.ProductLink) (model.PriceResult, error) {
	if link.URL == "" {
		return model.PriceResult{}, eris.Wrap(ErrExtractionFailed, "mastersale: link has no url")
	}
	if err := d.Navigate(ctx, link.URL); err != nil {
		return model.PriceResult{}, err
	}
	amount, err := readPrice(ctx, d, priceSelectors(link.Selector, a.spec))
	if err != nil {
		return model.PriceResult{}, err
	}
	return model.PriceResult{Amount: amount, UnitLabel: "unit"}, nil
}
