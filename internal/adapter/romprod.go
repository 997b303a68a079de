package adapter

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/model"
)

// Romprod drives a WooCommerce storefront. The my-account page carries a
// customer-logout link only for authenticated sessions, which is the sole
// login signal the site offers.
type Romprod struct {
	spec SiteSpec
}

func (a *Romprod) SiteKey() string { return a.spec.Key }

func (a *Romprod) IsLoggedIn(ctx context.Context, d browser.PageDriver) (bool, error) {
	if err := d.Navigate(ctx, a.spec.AccountURL()); err != nil {
		return false, err
	}
	return d.Exists(ctx, a.spec.LogoutMarkers...)
}

func (a *Romprod) Login(ctx context.Context, d browser.PageDriver, cred model.Credentials) error {
	if err := d.Navigate(ctx, a.spec.AccountURL()); err != nil {
		return err
	}
	if err := d.Fill(ctx, cred.Username, a.spec.UserSelectors...); err != nil {
		return eris.Wrap(err, "romprod: username field")
	}
	if err := d.Fill(ctx, cred.Password, a.spec.PassSelectors...); err != nil {
		return eris.Wrap(err, "romprod: password field")
	}
	if err := d.Click(ctx, a.spec.SubmitSelectors...); err != nil {
		return eris.Wrap(err, "romprod: submit login")
	}
	settle(ctx, time.Second)

	ok, err := d.Exists(ctx, a.spec.LogoutMarkers...)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrap(ErrAuthenticationFailed, "romprod: no logout link after submit")
	}
	return nil
}

func (a *Romprod) ExtractPrice(ctx context.Context, d browser.PageDriver, link model.ProductLink) (model.PriceResult, error) {
	if link.URL == "" {
		return model.PriceResult{}, eris.Wrap(ErrExtractionFailed, "romprod: link has no url")
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
