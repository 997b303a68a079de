// Package creds resolves per-site login credentials.
package creds

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/model"
)

// ErrMissing indicates no complete credential pair exists for a site.
var ErrMissing = eris.New("creds: missing credentials")

// ErrPartialOverride indicates the environment override supplied only one
// of username/password. That is a configuration error, not a reason to
// fall back silently.
var ErrPartialOverride = eris.New("creds: partial environment override")

// Source looks up persisted credential records. The store satisfies it.
type Source interface {
	GetCredentials(ctx context.Context, siteKey string) (*model.Credentials, error)
}

// Provider resolves credentials from an environment override first, then a
// persisted record.
type Provider struct {
	source Source
	getenv func(string) string
}

// NewProvider creates a Provider backed by the given persisted source.
func NewProvider(source Source) *Provider {
	return &Provider{source: source, getenv: os.Getenv}
}

// envKey builds the override variable name, e.g. romprod/username ->
// PRICEHAWK_CRED_ROMPROD_USERNAME.
func envKey(siteKey, field string) string {
	return "PRICEHAWK_CRED_" + strings.ToUpper(siteKey) + "_" + field
}

// Resolve returns the credentials for a site.
func (p *Provider) Resolve(ctx context.Context, siteKey string) (model.Credentials, error) {
	user := p.getenv(envKey(siteKey, "USERNAME"))
	pass := p.getenv(envKey(siteKey, "PASSWORD"))

	if user != "" && pass != "" {
		return model.Credentials{
			Username:   user,
			Password:   pass,
			TOTPSecret: p.getenv(envKey(siteKey, "TOTP_SECRET")),
		}, nil
	}
	if user != "" || pass != "" {
		return model.Credentials{}, eris.Wrapf(ErrPartialOverride, "site %s", siteKey)
	}

	if p.source != nil {
		rec, err := p.source.GetCredentials(ctx, siteKey)
		if err != nil {
			return model.Credentials{}, eris.Wrapf(err, "creds: lookup %s", siteKey)
		}
		if rec != nil && rec.Username != "" && rec.Password != "" {
			return *rec, nil
		}
	}

	return model.Credentials{}, eris.Wrapf(ErrMissing, "site %s", siteKey)
}
