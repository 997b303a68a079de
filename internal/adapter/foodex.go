package adapter

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/model"
)

// foodexChallengeWait bounds the Cloudflare interstitial wait. If the
// challenge outlasts it, the following logged-in check decides.
const foodexChallengeWait = 20 * time.Second

// Foodex drives foodex.london, which sits behind a Cloudflare challenge.
// Automated runs never schedule this site; the adapter serves the manual
// capture flow, where a human has already cleared the challenge once.
type Foodex struct {
	spec SiteSpec
}

func (a *Foodex) SiteKey() string { return a.spec.Key }

func (a *Foodex) IsLoggedIn(ctx context.Context, d browser.PageDriver) (bool, error) {
	if err := d.Navigate(ctx, a.spec.AccountURL()); err != nil {
		return false, err
	}
	browser.WaitChallengeClear(ctx, d, foodexChallengeWait)
	return d.Exists(ctx, a.spec.LogoutMarkers...)
}

func (a *Foodex) Login(ctx context.Context, d browser.PageDriver, cred model.Credentials) error {
	if err := d.Navigate(ctx, a.spec.AccountURL()); err != nil {
		return err
	}
	browser.WaitChallengeClear(ctx, d, foodexChallengeWait)

	if err := d.Fill(ctx, cred.Username, a.spec.UserSelectors...); err != nil {
		return eris.Wrap(err, "foodex: username field")
	}
	if err := d.Fill(ctx, cred.Password, a.spec.PassSelectors...); err != nil {
		return eris.Wrap(err, "foodex: password field")
	}
	if err := d.Click(ctx, a.spec.SubmitSelectors...); err != nil {
		return eris.Wrap(err, "foodex: submit login")
	}

	ok, err := a.IsLoggedIn(ctx, d)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrap(ErrAuthenticationFailed, "foodex: no logout link after submit")
	}
	return nil
}

func (a *Foodex) ExtractPrice(ctx context.Context, d browser.PageDriver, link model.ProductLink) (model.PriceResult, error) {
	if link.URL == "" {
		return model.PriceResult{}, eris.Wrap(ErrExtractionFailed, "foodex: link has no url")
	}
	if err := d.Navigate(ctx, link.URL); err != nil {
		return model.PriceResult{}, err
	}
	browser.WaitChallengeClear(ctx, d, foodexChallengeWait)
	return extractDetail(ctx, d, link.Selector, a.spec)
}
