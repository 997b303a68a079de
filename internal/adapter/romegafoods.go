package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/model"
)

var romegaTOTPSelectors = []string{
	`input[name*="otp" i]`,
	`input[name*="code" i]`,
	`input[name*="totp" i]`,
}

// RomegaFoods drives the romegafoods.co.uk storefront. Logins may require
// a TOTP code, and a successful login pops a promotional modal that only
// authenticated users ever see.
type RomegaFoods struct {
	spec SiteSpec
}

func (a *RomegaFoods) SiteKey() string { return a.spec.Key }

func (a *RomegaFoods) hasLogoutLink(ctx context.Context, d browser.PageDriver) bool {
	ok, err := d.Exists(ctx, a.spec.LogoutMarkers...)
	return err == nil && ok
}

func (a *RomegaFoods) IsLoggedIn(ctx context.Context, d browser.PageDriver) (bool, error) {
	if a.hasLogoutLink(ctx, d) {
		return true, nil
	}
	// Off the login page with no logout link means a stale or anonymous
	// session; only the login page warrants the dashboard probe.
	if !strings.Contains(strings.ToLower(d.URL()), "/login") {
		return false, nil
	}

	if err := d.Navigate(ctx, a.spec.BaseURL+"/my-account"); err != nil {
		return false, nil
	}
	if a.hasLogoutLink(ctx, d) {
		return true, nil
	}
	return !strings.Contains(strings.ToLower(d.URL()), "/login"), nil
}

func (a *RomegaFoods) Login(ctx context.Context, d browser.PageDriver, cred model.Credentials) error {
	if err := d.Navigate(ctx, a.spec.AccountURL()); err != nil {
		return err
	}
	// The login form debounces its inputs, so credentials go in key by
	// key rather than as one fill.
	if err := d.Type(ctx, cred.Username, a.spec.UserSelectors...); err != nil {
		return eris.Wrap(err, "romegafoods: email field")
	}
	if err := d.Type(ctx, cred.Password, a.spec.PassSelectors...); err != nil {
		return eris.Wrap(err, "romegafoods: password field")
	}

	if cred.TOTPSecret != "" {
		if has, err := d.Exists(ctx, romegaTOTPSelectors...); err == nil && has {
			code, err := totpCode(cred.TOTPSecret)
			if err != nil {
				return err
			}
			if err := d.Fill(ctx, code, romegaTOTPSelectors...); err != nil {
				return eris.Wrap(err, "romegafoods: totp field")
			}
		}
	}

	if err := d.Click(ctx, a.spec.SubmitSelectors...); err != nil {
		return eris.Wrap(err, "romegafoods: submit login")
	}
	settle(ctx, 500*time.Millisecond)

	// The post-login modal renders only for authenticated users, so
	// dismissing it doubles as the success check.
	if dismissed, err := d.ClickByText(ctx, "button", "cancel"); err == nil && dismissed {
		settle(ctx, 500*time.Millisecond)
		return nil
	}

	if a.hasLogoutLink(ctx, d) {
		return nil
	}
	settle(ctx, time.Second)
	if a.hasLogoutLink(ctx, d) {
		return nil
	}
	return eris.Wrap(ErrAuthenticationFailed, "romegafoods: no logout link after submit")
}

func (a *RomegaFoods) ExtractPrice(ctx context.Context, d browser.PageDriver, link model.ProductLink) (model.PriceResult, error) {
	if link.URL == "" {
		return model.PriceResult{}, eris.Wrap(ErrExtractionFailed, "romegafoods: link has no url")
	}
	if err := d.Navigate(ctx, link.URL); err != nil {
		return model.PriceResult{}, err
	}

	// The site sometimes 404s the first hit on a warm session; touching
	// the home page and retrying the product URL recovers it.
	if title, err := d.Title(ctx); err == nil && strings.Contains(title, "404") {
		_ = d.Navigate(ctx, a.spec.BaseURL)
		settle(ctx, time.Second)
		if err := d.Navigate(ctx, link.URL); err != nil {
			return model.PriceResult{}, err
		}
	}

	return extractDetail(ctx, d, link.Selector, a.spec)
}
