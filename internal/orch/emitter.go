package orch

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/model"
	"github.com/pricehawk/pricehawk/internal/price"
)

// Emitter serializes scrape outcomes as newline-delimited JSON. It is the
// only writer of the event stream; a write failure is fatal to the run
// because downstream ingestion would silently lose events otherwise.
type Emitter struct {
	enc *json.Encoder
	now func() time.Time
}

// NewEmitter writes events to w, one JSON object per line.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w), now: time.Now}
}

// Success emits the event for one extracted price.
func (e *Emitter) Success(link model.ProductLink, res model.PriceResult) error {
	id := link.ID
	amount := res.Amount
	return e.emit(model.PriceEvent{
		ID:          &id,
		TS:          e.now().UTC().Format(time.RFC3339),
		SiteKey:     link.SiteKey,
		Name:        link.ProductName,
		SKU:         link.SKU,
		URL:         link.URL,
		SearchQuery: link.SearchQuery,
		Currency:    "GBP",
		Amount:      &amount,
		PackPrice:   res.PackPrice,
		PackSize:    res.PackSize,
		UnitLabel:   res.UnitLabel,
		PackLabel:   res.PackLabel,
		Formatted:   price.FormatGBP(res.Amount),
	})
}

// ScrapeError emits a link-scoped failure.
func (e *Emitter) ScrapeError(siteKey, url, message string) error {
	return e.emit(model.PriceEvent{
		Type:    model.EventTypeScrapeError,
		SiteKey: siteKey,
		URL:     url,
		Message: message,
	})
}

// LoginError emits a site-scoped failure.
func (e *Emitter) LoginError(siteKey, message string) error {
	return e.emit(model.PriceEvent{
		Type:    model.EventTypeLoginError,
		SiteKey: siteKey,
		Message: message,
	})
}

func (e *Emitter) emit(ev model.PriceEvent) error {
	return eris.Wrap(e.enc.Encode(ev), "orch: write event")
}
