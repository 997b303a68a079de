// Package browser wraps the automation engine behind a small driver
// interface: navigate, query and interact with page elements, and
// snapshot/restore session state. Site adapters depend only on PageDriver
// so their heuristics can be exercised against a fake in tests.
package browser

import "context"

// SelectOption describes one option of a page <select> element.
type SelectOption struct {
	Value    string
	Label    string
	Disabled bool
}

// PageDriver is the capability surface adapters use to drive a page.
// Implementations must bound every wait with a timeout; on expiry they
// return an error for the current operation only.
type PageDriver interface {
	// Navigate loads a URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// URL returns the current page location.
	URL() string
	// Title returns the current document title.
	Title(ctx context.Context) (string, error)

	// Exists reports whether any of the selector candidates matches right
	// now, without waiting.
	Exists(ctx context.Context, selectors ...string) (bool, error)
	// Text waits for the first selector candidate to match (in order) and
	// returns its trimmed inner text.
	Text(ctx context.Context, selectors ...string) (string, error)
	// Value returns the current value of the first matching form element,
	// without waiting.
	Value(ctx context.Context, selectors ...string) (string, error)
	// Fill waits for the first matching candidate and replaces its value.
	Fill(ctx context.Context, value string, selectors ...string) error
	// Type fills the first matching candidate one character at a time with
	// a pause between keys, for fields that validate on key events.
	Type(ctx context.Context, value string, selectors ...string) error
	// Click waits for the first matching candidate and clicks it.
	Click(ctx context.Context, selectors ...string) error

	// SelectOptions enumerates the options of the first matching select
	// element.
	SelectOptions(ctx context.Context, selectors ...string) ([]SelectOption, error)
	// SetSelect selects the option with the given value on the first
	// matching select element and lets the page react.
	SetSelect(ctx context.Context, value string, selectors ...string) error

	// BodyText returns the page's visible body text, used for challenge
	// and block detection.
	BodyText(ctx context.Context) (string, error)

	// FindByText returns the href of the first element matching selector
	// whose text contains needle case-insensitively, or ok=false.
	FindByText(ctx context.Context, selector, needle string) (href string, ok bool, err error)
	// ClickByText clicks the first element matching selector whose text
	// contains needle case-insensitively. ok=false when nothing matched.
	ClickByText(ctx context.Context, selector, needle string) (ok bool, err error)
}
