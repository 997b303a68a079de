package browser

import (
	"encoding/json"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Options configures the launched browser.
type Options struct {
	Headless       bool
	BinPath        string
	NavTimeout     time.Duration
	ElementTimeout time.Duration
}

// Browser owns one automation browser process. Sessions (pages) are opened
// one at a time; the orchestrator never holds two concurrently.
type Browser struct {
	browser *rod.Browser
	opts    Options

	// current is the incognito context of the open session. Sessions run
	// strictly one at a time, so a single slot suffices.
	current *rod.Browser
}

// Launch starts the browser process and connects to it.
func Launch(opts Options) (*Browser, error) {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 15 * time.Second
	}

	l := launcher.New().Headless(opts.Headless).Leakless(true)
	if opts.BinPath != "" {
		l = l.Bin(opts.BinPath)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "browser: launch")
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, eris.Wrap(err, "browser: connect")
	}
	return &Browser{browser: b, opts: opts}, nil
}

// Close shuts the browser process down.
func (b *Browser) Close() error {
	return eris.Wrap(b.browser.Close(), "browser: close")
}

// sessionState is the serialized shape of a persisted session. Opaque to
// everything outside this package.
type sessionState struct {
	Cookies []*proto.NetworkCookie `json:"cookies"`
}

// decodeSessionState unmarshals a persisted artifact. Corrupt state is not
// fatal; the session just starts fresh.
func decodeSessionState(siteKey string, state []byte) []*proto.NetworkCookie {
	if len(state) == 0 {
		return nil
	}
	var ss sessionState
	if err := json.Unmarshal(state, &ss); err != nil {
		zap.L().Warn("browser: discarding unreadable session state",
			zap.String("site", siteKey),
			zap.Error(err),
		)
		return nil
	}
	return ss.Cookies
}

// NewSession opens a fresh page for one site, restoring the given session
// state when present. Each session lives in its own incognito context, so
// one site's cookie jar never carries another site's auth state. The
// caller must Close the returned page on every exit path.
func (b *Browser) NewSession(siteKey string, state []byte) (*Page, error) {
	inc, err := b.browser.Incognito()
	if err != nil {
		return nil, eris.Wrapf(err, "browser: incognito context for %s", siteKey)
	}

	if cookies := decodeSessionState(siteKey, state); len(cookies) > 0 {
		if err := inc.SetCookies(proto.CookiesToParams(cookies)); err != nil {
			return nil, eris.Wrapf(err, "browser: restore cookies for %s", siteKey)
		}
	}

	page, err := stealth.Page(inc)
	if err != nil {
		return nil, eris.Wrapf(err, "browser: open page for %s", siteKey)
	}
	b.current = inc
	return &Page{page: page, opts: b.opts}, nil
}

// ExportState snapshots the open session's cookies as an opaque artifact
// suitable for the session store. Only the current incognito context is
// read, never the browser-wide jar.
func (b *Browser) ExportState() ([]byte, error) {
	if b.current == nil {
		return nil, eris.New("browser: no open session to export")
	}
	cookies, err := b.current.GetCookies()
	if err != nil {
		return nil, eris.Wrap(err, "browser: export cookies")
	}
	data, err := json.Marshal(sessionState{Cookies: cookies})
	if err != nil {
		return nil, eris.Wrap(err, "browser: marshal session state")
	}
	return data, nil
}
