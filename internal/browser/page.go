package browser

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
)

// Page implements PageDriver on top of a rod page. Every wait is bounded:
// navigation by NavTimeout, element probing by ElementTimeout. On expiry
// only the current operation fails.
type Page struct {
	page *rod.Page
	opts Options
}

// Close releases the underlying page.
func (p *Page) Close() error {
	return eris.Wrap(p.page.Close(), "browser: close page")
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.opts.NavTimeout)
	defer cancel()

	page := p.page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return eris.Wrapf(err, "browser: navigate %s", url)
	}
	if err := page.WaitLoad(); err != nil {
		// Slow third-party resources are common on these sites; the DOM is
		// usually usable anyway, so probing decides.
		return nil
	}
	return nil
}

func (p *Page) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *Page) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", eris.Wrap(err, "browser: page info")
	}
	return info.Title, nil
}

func (p *Page) Exists(ctx context.Context, selectors ...string) (bool, error) {
	_, found, err := p.probeOnce(ctx, selectors)
	return found, err
}

// firstMatch polls the ordered selector candidates until one matches or
// the element timeout expires. First candidate to match wins, preserving
// the caller's priority order across poll passes.
func (p *Page) firstMatch(ctx context.Context, selectors []string) (*rod.Element, error) {
	deadline := time.Now().Add(p.opts.ElementTimeout)
	for {
		el, found, err := p.probeOnce(ctx, selectors)
		if err != nil {
			return nil, err
		}
		if found {
			return el, nil
		}
		if time.Now().After(deadline) {
			return nil, eris.Errorf("browser: no element matched %v within %s", selectors, p.opts.ElementTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "browser: probe canceled")
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (p *Page) probeOnce(ctx context.Context, selectors []string) (*rod.Element, bool, error) {
	page := p.page.Context(ctx)
	for _, sel := range selectors {
		has, el, err := page.Has(sel)
		if err != nil {
			return nil, false, eris.Wrapf(err, "browser: probe %q", sel)
		}
		if has {
			return el, true, nil
		}
	}
	return nil, false, nil
}

func (p *Page) Text(ctx context.Context, selectors ...string) (string, error) {
	el, err := p.firstMatch(ctx, selectors)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", eris.Wrap(err, "browser: element text")
	}
	return strings.TrimSpace(text), nil
}

func (p *Page) Value(ctx context.Context, selectors ...string) (string, error) {
	el, found, err := p.probeOnce(ctx, selectors)
	if err != nil {
		return "", err
	}
	if !found {
		return "", eris.Errorf("browser: no element matched %v", selectors)
	}
	prop, err := el.Property("value")
	if err != nil {
		return "", eris.Wrap(err, "browser: element value")
	}
	return strings.TrimSpace(prop.Str()), nil
}

func (p *Page) Fill(ctx context.Context, value string, selectors ...string) error {
	el, err := p.firstMatch(ctx, selectors)
	if err != nil {
		return err
	}
	// Replace any pre-filled value instead of appending to it.
	_ = el.SelectAllText()
	if err := el.Input(value); err != nil {
		return eris.Wrap(err, "browser: fill input")
	}
	return nil
}

// typeKeyDelay paces per-character input for login forms that debounce or
// validate on key events.
const typeKeyDelay = 60 * time.Millisecond

func (p *Page) Type(ctx context.Context, value string, selectors ...string) error {
	el, err := p.firstMatch(ctx, selectors)
	if err != nil {
		return err
	}
	// Replace any pre-filled value instead of appending to it.
	_ = el.SelectAllText()
	for _, r := range value {
		if err := el.Input(string(r)); err != nil {
			return eris.Wrap(err, "browser: type input")
		}
		select {
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "browser: type canceled")
		case <-time.After(typeKeyDelay):
		}
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selectors ...string) error {
	el, err := p.firstMatch(ctx, selectors)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return eris.Wrap(err, "browser: click")
	}
	return nil
}

func (p *Page) SelectOptions(ctx context.Context, selectors ...string) ([]SelectOption, error) {
	sel, err := p.firstMatch(ctx, selectors)
	if err != nil {
		return nil, err
	}
	optionEls, err := sel.Elements("option")
	if err != nil {
		return nil, eris.Wrap(err, "browser: list options")
	}

	options := make([]SelectOption, 0, len(optionEls))
	for _, opt := range optionEls {
		label, err := opt.Text()
		if err != nil {
			return nil, eris.Wrap(err, "browser: option text")
		}
		var value string
		if attr, err := opt.Attribute("value"); err == nil && attr != nil {
			value = *attr
		}
		disabled := false
		if attr, err := opt.Attribute("disabled"); err == nil && attr != nil {
			disabled = true
		}
		options = append(options, SelectOption{
			Value:    value,
			Label:    strings.TrimSpace(label),
			Disabled: disabled,
		})
	}
	return options, nil
}

func (p *Page) SetSelect(ctx context.Context, value string, selectors ...string) error {
	sel, err := p.firstMatch(ctx, selectors)
	if err != nil {
		return err
	}
	_, err = sel.Eval(`(value) => {
		this.value = value
		this.dispatchEvent(new Event('change', { bubbles: true }))
	}`, value)
	if err != nil {
		return eris.Wrapf(err, "browser: select option %q", value)
	}
	// Let the page re-render the displayed price.
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "browser: select canceled")
	case <-time.After(250 * time.Millisecond):
	}
	return nil
}

func (p *Page) BodyText(ctx context.Context) (string, error) {
	obj, err := p.page.Context(ctx).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return "", eris.Wrap(err, "browser: read body text")
	}
	return obj.Value.Str(), nil
}

func (p *Page) FindByText(ctx context.Context, selector, needle string) (string, bool, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return "", false, eris.Wrapf(err, "browser: find %q", selector)
	}
	lowered := strings.ToLower(needle)
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(text), lowered) {
			continue
		}
		if attr, err := el.Attribute("href"); err == nil && attr != nil {
			return *attr, true, nil
		}
		if has, link, err := el.Has("a[href]"); err == nil && has {
			if attr, err := link.Attribute("href"); err == nil && attr != nil {
				return *attr, true, nil
			}
		}
		return "", true, nil
	}
	return "", false, nil
}

func (p *Page) ClickByText(ctx context.Context, selector, needle string) (bool, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return false, eris.Wrapf(err, "browser: find %q", selector)
	}
	lowered := strings.ToLower(needle)
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(text), lowered) {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return false, eris.Wrap(err, "browser: click")
		}
		return true, nil
	}
	return false, nil
}
