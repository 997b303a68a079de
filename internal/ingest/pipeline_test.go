package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricehawk/pricehawk/internal/model"
	"github.com/pricehawk/pricehawk/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.SeedSites(ctx, []model.Site{
		{Key: "romprod", Name: "Romprod", BaseURL: "https://romprod.uk"},
		{Key: "foodex", Name: "Foodex", BaseURL: "https://foodex.london"},
	}))
	return s
}

func newTestLink(t *testing.T, s *store.SQLiteStore, siteKey string) *model.ProductLink {
	t.Helper()
	ctx := context.Background()
	product, err := s.CreateProduct(ctx, "Olive Oil 5L")
	require.NoError(t, err)
	link, err := s.CreateLink(ctx, model.ProductLink{
		ProductID: product.ID,
		SiteKey:   siteKey,
		URL:       "https://example.test/olive-oil",
	})
	require.NoError(t, err)
	return link
}

func successLine(id int64, amount float64) string {
	return fmt.Sprintf(
		`{"id":%d,"ts":%q,"siteId":"romprod","name":"Olive Oil 5L","currency":"GBP","amount":%g,"formatted":"£%.2f"}`,
		id, time.Now().UTC().Format(time.RFC3339), amount, amount,
	)
}

func TestHandleLine_IgnoresNoise(t *testing.T) {
	s := newTestStore(t)
	p := New(s, "", 0)

	for _, line := range []string{"", "   ", "plain text diagnostic", "[runner] starting"} {
		p.HandleLine(context.Background(), line)
	}

	assert.Zero(t, p.Processed())
	assert.Zero(t, p.Failures())
}

func TestConsume_AppliesSuccessEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")
	run, err := s.CreateRun(ctx, nil, "")
	require.NoError(t, err)

	stream := strings.Join([]string{
		successLine(link.ID, 4.20),
		successLine(link.ID, 4.50),
	}, "\n")

	p := New(s, run.ID, 2)
	require.NoError(t, p.Consume(ctx, strings.NewReader(stream)))
	assert.Equal(t, 2, p.Processed())
	assert.Zero(t, p.Failures())

	links, err := s.ListLinks(ctx, "romprod")
	require.NoError(t, err)
	require.NotNil(t, links[0].LastPrice)
	assert.Equal(t, 4.50, *links[0].LastPrice)

	changes, err := s.ListChanges(ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, 4.20, changes[0].Old)
	assert.Equal(t, 4.50, changes[0].New)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "2/2", got.Note)

	require.NoError(t, p.Finalize(ctx, true))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
}

func TestConsume_MalformedLineBetweenGoodLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")
	run, err := s.CreateRun(ctx, nil, "")
	require.NoError(t, err)

	stream := strings.Join([]string{
		successLine(link.ID, 1.00),
		`{"id": truncated and broken`,
		successLine(link.ID, 2.00),
	}, "\n")

	p := New(s, run.ID, 3)
	require.NoError(t, p.Consume(ctx, strings.NewReader(stream)))
	assert.Equal(t, 2, p.Processed())
	assert.Equal(t, 1, p.Failures())

	// Both well-formed events applied despite the bad line between them.
	snaps, err := s.ListSnapshots(ctx, link.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	require.NoError(t, p.Finalize(ctx, true))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, got.Status)
}

func TestHandleLine_ErrorEventCountsAsFailure(t *testing.T) {
	s := newTestStore(t)
	p := New(s, "", 0)

	p.HandleLine(context.Background(),
		`{"type":"scrape-error","siteId":"romprod","url":"https://example.test/x","message":"price element missing"}`)
	p.HandleLine(context.Background(),
		`{"type":"login-error","siteId":"mastersale","message":"authentication failed"}`)

	assert.Zero(t, p.Processed())
	assert.Equal(t, 2, p.Failures())
}

func TestHandleLine_UnknownLinkWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")

	p := New(s, "", 0)
	p.HandleLine(ctx, successLine(9999, 3.00))

	assert.Zero(t, p.Processed())
	assert.Equal(t, 1, p.Failures())

	snaps, err := s.ListSnapshots(ctx, link.ID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestApply_RejectsUnusableEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	amount := 2.50
	err := Apply(ctx, s, model.PriceEvent{Amount: &amount}, 0)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidEvent))

	id := int64(1)
	err = Apply(ctx, s, model.PriceEvent{ID: &id}, 0)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidEvent))

	zero := int64(0)
	err = Apply(ctx, s, model.PriceEvent{ID: &zero, Amount: &amount}, 0)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidEvent))
}

func TestApply_IdempotentForRepeatedObservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")

	id := link.ID
	amount := 3.75
	ev := model.PriceEvent{ID: &id, Amount: &amount, TS: time.Now().UTC().Format(time.RFC3339)}

	require.NoError(t, Apply(ctx, s, ev, 0))
	require.NoError(t, Apply(ctx, s, ev, 0))

	// Two snapshots, no change record: the price never moved.
	snaps, err := s.ListSnapshots(ctx, link.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	changes, err := s.ListChanges(ctx, link.ID)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestApply_SitePinStopsCrossSiteWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")

	sites, err := s.ListSites(ctx)
	require.NoError(t, err)
	var foodexID int64
	for _, st := range sites {
		if st.Key == "foodex" {
			foodexID = st.ID
		}
	}
	require.NotZero(t, foodexID)

	id := link.ID
	amount := 5.00
	err = Apply(ctx, s, model.PriceEvent{ID: &id, Amount: &amount}, foodexID)
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrLinkNotFound))
}

func TestFinalize_ErrorOnDirtyExit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, nil, "")
	require.NoError(t, err)

	p := New(s, run.ID, 0)
	require.NoError(t, p.Finalize(ctx, false))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, got.Status)
	assert.Equal(t, "scrape process failed", got.Note)
}
