// Package ingest consumes the scrape event stream and applies it to the
// store: one transactional price update per well-formed success event,
// with per-event failure accounting that decides the run's final status.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pricehawk/pricehawk/internal/model"
	"github.com/pricehawk/pricehawk/internal/store"
)

// ErrInvalidEvent marks a success event missing a usable link id or
// amount.
var ErrInvalidEvent = eris.New("ingest: invalid event")

// Apply validates one success event and applies it transactionally.
// siteID pins the update to one site's links when non-zero; the manual
// capture flow uses that to stop cross-site writes. The same routine backs
// stream ingestion and the manual capture endpoint so both observe
// identical change-detection semantics.
func Apply(ctx context.Context, st store.Store, ev model.PriceEvent, siteID int64) error {
	if ev.ID == nil || *ev.ID <= 0 {
		return eris.Wrap(ErrInvalidEvent, "missing link id")
	}
	if ev.Amount == nil || math.IsNaN(*ev.Amount) || math.IsInf(*ev.Amount, 0) {
		return eris.Wrap(ErrInvalidEvent, "missing amount")
	}
	return st.ApplyPriceUpdate(ctx, store.PriceUpdate{
		LinkID:     *ev.ID,
		UnitPrice:  *ev.Amount,
		PackPrice:  ev.PackPrice,
		PackSize:   ev.PackSize,
		UnitLabel:  ev.UnitLabel,
		PackLabel:  ev.PackLabel,
		CapturedAt: ev.CapturedAt(),
		SiteID:     siteID,
	})
}

// Pipeline ingests one run's event stream.
type Pipeline struct {
	store store.Store
	runID string
	total int

	processed int
	failures  int
}

// New creates a pipeline for a run expected to produce total events.
func New(st store.Store, runID string, total int) *Pipeline {
	return &Pipeline{store: st, runID: runID, total: total}
}

// Processed returns the number of events applied so far.
func (p *Pipeline) Processed() int { return p.processed }

// Failures returns the number of failed lines and events so far.
func (p *Pipeline) Failures() int { return p.failures }

// Consume reads the stream line by line until EOF. Individual bad lines
// are counted, never fatal; only a reader error aborts.
func (p *Pipeline) Consume(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "ingest: canceled")
		}
		p.HandleLine(ctx, scanner.Text())
	}
	return eris.Wrap(scanner.Err(), "ingest: read stream")
}

// HandleLine processes one raw line of the stream.
func (p *Pipeline) HandleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		// Stray diagnostics interleaved in the stream are ignored without
		// counting against the run.
		return
	}

	ev, err := decodeEvent(line)
	if err != nil {
		p.failures++
		zap.L().Warn("unparsable event line", zap.Error(err))
		return
	}

	if ev.IsError() {
		p.failures++
		zap.L().Warn("scrape reported failure",
			zap.String("type", ev.Type),
			zap.String("site", ev.SiteKey),
			zap.String("url", ev.URL),
			zap.String("message", ev.Message),
		)
		return
	}

	if err := Apply(ctx, p.store, ev, 0); err != nil {
		p.failures++
		zap.L().Warn("apply price update", zap.Error(err))
		return
	}

	p.processed++
	p.noteProgress(ctx)
}

func decodeEvent(line string) (model.PriceEvent, error) {
	var ev model.PriceEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return model.PriceEvent{}, eris.Wrap(err, "ingest: decode event")
	}
	return ev, nil
}

func (p *Pipeline) noteProgress(ctx context.Context) {
	if p.runID == "" {
		return
	}
	note := fmt.Sprintf("%d/%d", p.processed, p.total)
	if err := p.store.UpdateRunNote(ctx, p.runID, note); err != nil {
		zap.L().Warn("update run note", zap.String("run", p.runID), zap.Error(err))
	}
}

// Finalize records the run's terminal status: done only when the producer
// exited cleanly and every event applied.
func (p *Pipeline) Finalize(ctx context.Context, exitOK bool) error {
	if p.runID == "" {
		return nil
	}
	status := model.RunStatusDone
	note := ""
	switch {
	case !exitOK:
		status = model.RunStatusError
		note = "scrape process failed"
	case p.failures > 0:
		status = model.RunStatusError
		note = fmt.Sprintf("%d of %d events failed", p.failures, p.processed+p.failures)
	}
	return p.store.FinishRun(ctx, p.runID, status, note)
}
