// Package orch drives a scrape run: one browser session per site, strictly
// sequential, emitting one JSON event per outcome on the event stream.
package orch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pricehawk/pricehawk/internal/adapter"
	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/model"
	"github.com/pricehawk/pricehawk/internal/resilience"
	"github.com/pricehawk/pricehawk/internal/session"
)

// ErrManualOnly rejects a run targeted at a site that only supports the
// manual capture flow.
var ErrManualOnly = eris.New("orch: site requires the manual capture flow")

// Session is one open page the orchestrator must close when the site is
// done.
type Session interface {
	browser.PageDriver
	Close() error
}

// Env opens pages and snapshots session state. *browser.Browser satisfies
// it through BrowserEnv; tests substitute fakes.
type Env interface {
	OpenSession(siteKey string, state []byte) (Session, error)
	ExportState() ([]byte, error)
}

// BrowserEnv adapts a live browser to Env.
type BrowserEnv struct {
	Browser *browser.Browser
}

func (e BrowserEnv) OpenSession(siteKey string, state []byte) (Session, error) {
	return e.Browser.NewSession(siteKey, state)
}

func (e BrowserEnv) ExportState() ([]byte, error) {
	return e.Browser.ExportState()
}

// CredentialResolver yields the login credentials for a site.
type CredentialResolver interface {
	Resolve(ctx context.Context, siteKey string) (model.Credentials, error)
}

// Config tunes run behavior.
type Config struct {
	// LoginAttempts bounds login retries per site. Only transient failures
	// retry; rejected credentials fail immediately.
	LoginAttempts int
	// LinkDelay paces extractions within a site.
	LinkDelay time.Duration
}

// Orchestrator visits each site once per run.
type Orchestrator struct {
	env      Env
	adapters map[string]adapter.Adapter
	sessions session.Store
	creds    CredentialResolver
	emitter  *Emitter
	cfg      Config
	limiter  *rate.Limiter
}

// New assembles an orchestrator writing events through the given emitter.
func New(env Env, adapters map[string]adapter.Adapter, sessions session.Store, creds CredentialResolver, emitter *Emitter, cfg Config) *Orchestrator {
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = 2
	}
	limit := rate.Inf
	if cfg.LinkDelay > 0 {
		limit = rate.Every(cfg.LinkDelay)
	}
	return &Orchestrator{
		env:      env,
		adapters: adapters,
		sessions: sessions,
		creds:    creds,
		emitter:  emitter,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Run scrapes the given links. siteKey narrows the run to one site; empty
// means every site with links. Sites are visited strictly one after
// another, each in its own page session. Site-level failures become events
// and the run continues; only a broken event stream or a canceled context
// aborts.
func (o *Orchestrator) Run(ctx context.Context, siteKey string, links []model.ProductLink) error {
	if siteKey == adapter.ManualOnlySite {
		return eris.Wrapf(ErrManualOnly, "site %s", siteKey)
	}

	bySite := make(map[string][]model.ProductLink)
	for _, link := range links {
		bySite[link.SiteKey] = append(bySite[link.SiteKey], link)
	}

	for _, key := range adapter.SiteOrder {
		siteLinks := bySite[key]
		if len(siteLinks) == 0 {
			continue
		}
		if siteKey != "" && key != siteKey {
			continue
		}
		if key == adapter.ManualOnlySite {
			zap.L().Info("skipping manual-capture site", zap.String("site", key))
			continue
		}
		if err := o.runSite(ctx, key, siteLinks); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "orch: run canceled")
		}
	}
	return nil
}

func (o *Orchestrator) runSite(ctx context.Context, siteKey string, links []model.ProductLink) error {
	log := zap.L().With(zap.String("site", siteKey))

	ad, ok := o.adapters[siteKey]
	if !ok {
		return o.emitter.LoginError(siteKey, "no adapter registered")
	}

	cred, err := o.creds.Resolve(ctx, siteKey)
	if err != nil {
		log.Warn("credentials unavailable", zap.Error(err))
		return o.emitter.LoginError(siteKey, err.Error())
	}

	state, _, err := o.sessions.Read(siteKey)
	if err != nil {
		// A stale or unreadable session only costs a fresh login.
		log.Warn("session state unreadable", zap.Error(err))
	}

	sess, err := o.env.OpenSession(siteKey, state)
	if err != nil {
		log.Error("open session", zap.Error(err))
		return o.emitter.LoginError(siteKey, err.Error())
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("close session", zap.Error(err))
		}
	}()

	// Cookies refreshed during extraction matter as much as the login
	// ones, so the snapshot is taken on the way out, whatever happened.
	defer func() {
		if !o.sessions.Persistable(siteKey) {
			return
		}
		snapshot, err := o.env.ExportState()
		if err != nil {
			log.Warn("export session state", zap.Error(err))
			return
		}
		if err := o.sessions.Write(siteKey, snapshot); err != nil {
			log.Warn("persist session state", zap.Error(err))
		}
	}()

	loggedIn, err := ad.IsLoggedIn(ctx, sess)
	if err != nil {
		log.Warn("login check failed", zap.Error(err))
	}
	if !loggedIn {
		retryCfg := resilience.DefaultRetryConfig()
		retryCfg.MaxAttempts = o.cfg.LoginAttempts
		retryCfg.OnRetry = resilience.RetryLogger(siteKey, "login")
		err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
			return ad.Login(ctx, sess, cred)
		})
		if err != nil {
			log.Warn("login failed", zap.Error(err))
			return o.emitter.LoginError(siteKey, err.Error())
		}
		log.Info("logged in")
	} else {
		log.Info("session still valid")
	}

	for _, link := range links {
		if err := o.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "orch: pacing canceled")
		}
		res, err := ad.ExtractPrice(ctx, sess, link)
		if err != nil {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "orch: run canceled")
			}
			log.Warn("extraction failed",
				zap.Int64("link", link.ID),
				zap.Error(err),
			)
			if err := o.emitter.ScrapeError(siteKey, link.URL, err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := o.emitter.Success(link, res); err != nil {
			return err
		}
	}
	return nil
}
