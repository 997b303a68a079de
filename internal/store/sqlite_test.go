package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricehawk/pricehawk/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
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

func newTestLink(t *testing.T, s *SQLiteStore, siteKey string) *model.ProductLink {
	t.Helper()
	ctx := context.Background()
	product, err := s.CreateProduct(ctx, "Sunflower Oil 10L")
	require.NoError(t, err)
	link, err := s.CreateLink(ctx, model.ProductLink{
		ProductID: product.ID,
		SiteKey:   siteKey,
		URL:       "https://example.test/product/oil",
	})
	require.NoError(t, err)
	return link
}

func TestSeedSites_UpsertsByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedSites(ctx, []model.Site{
		{Key: "romprod", Name: "Romprod Updated", BaseURL: "https://romprod.uk"},
	}))

	sites, err := s.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "Romprod Updated", sites[0].Name)
}

func TestCreateLink_UnknownSite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	product, err := s.CreateProduct(ctx, "Tomato Paste")
	require.NoError(t, err)

	_, err = s.CreateLink(ctx, model.ProductLink{ProductID: product.ID, SiteKey: "nope"})
	require.Error(t, err)
}

func TestListLinks_FiltersBySite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestLink(t, s, "romprod")
	newTestLink(t, s, "foodex")

	all, err := s.ListLinks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	romprod, err := s.ListLinks(ctx, "romprod")
	require.NoError(t, err)
	require.Len(t, romprod, 1)
	assert.Equal(t, "romprod", romprod[0].SiteKey)
	assert.Equal(t, "Sunflower Oil 10L", romprod[0].ProductName)
	assert.Nil(t, romprod[0].LastPrice)
}

func TestApplyPriceUpdate_FirstObservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")

	pack := 12.50
	size := 10
	now := time.Now().UTC().Truncate(time.Second)
	err := s.ApplyPriceUpdate(ctx, PriceUpdate{
		LinkID:     link.ID,
		UnitPrice:  1.25,
		PackPrice:  &pack,
		PackSize:   &size,
		UnitLabel:  "unit",
		PackLabel:  "box",
		CapturedAt: now,
	})
	require.NoError(t, err)

	links, err := s.ListLinks(ctx, "romprod")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NotNil(t, links[0].LastPrice)
	assert.Equal(t, 1.25, *links[0].LastPrice)
	require.NotNil(t, links[0].LastPack)
	assert.Equal(t, 12.50, *links[0].LastPack)
	require.NotNil(t, links[0].PackSize)
	assert.Equal(t, 10, *links[0].PackSize)
	require.NotNil(t, links[0].LastChecked)

	snaps, err := s.ListSnapshots(ctx, link.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	// No previous price, so the first observation never records a change.
	changes, err := s.ListChanges(ctx, link.ID)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestApplyPriceUpdate_RecordsChangeOnMovement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")

	now := time.Now().UTC()
	require.NoError(t, s.ApplyPriceUpdate(ctx, PriceUpdate{LinkID: link.ID, UnitPrice: 2.00, CapturedAt: now}))
	require.NoError(t, s.ApplyPriceUpdate(ctx, PriceUpdate{LinkID: link.ID, UnitPrice: 2.40, CapturedAt: now.Add(time.Hour)}))

	changes, err := s.ListChanges(ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, 2.00, changes[0].Old)
	assert.Equal(t, 2.40, changes[0].New)

	snaps, err := s.ListSnapshots(ctx, link.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestApplyPriceUpdate_SamePriceNoChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")

	now := time.Now().UTC()
	require.NoError(t, s.ApplyPriceUpdate(ctx, PriceUpdate{LinkID: link.ID, UnitPrice: 3.10, CapturedAt: now}))
	require.NoError(t, s.ApplyPriceUpdate(ctx, PriceUpdate{LinkID: link.ID, UnitPrice: 3.10, CapturedAt: now.Add(time.Hour)}))

	changes, err := s.ListChanges(ctx, link.ID)
	require.NoError(t, err)
	assert.Empty(t, changes)

	snaps, err := s.ListSnapshots(ctx, link.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestApplyPriceUpdate_UnknownLink(t *testing.T) {
	s := newTestStore(t)

	err := s.ApplyPriceUpdate(context.Background(), PriceUpdate{
		LinkID: 9999, UnitPrice: 1.00, CapturedAt: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrLinkNotFound))
}

func TestApplyPriceUpdate_SitePinRejectsOtherSites(t *testing.T) {
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

	err = s.ApplyPriceUpdate(ctx, PriceUpdate{
		LinkID: link.ID, UnitPrice: 1.00, CapturedAt: time.Now(), SiteID: foodexID,
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrLinkNotFound))

	// The rejected update must not write anything.
	snaps, err := s.ListSnapshots(ctx, link.ID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	eta := 36
	run, err := s.CreateRun(ctx, &eta, "site:romprod:2")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	require.NoError(t, s.UpdateRunNote(ctx, run.ID, "1/2"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "1/2", got.Note)
	require.NotNil(t, got.EtaSec)
	assert.Equal(t, 36, *got.EtaSec)
	assert.Nil(t, got.FinishedAt)

	// Empty note on finish keeps the progress note.
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusDone, ""))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
	assert.Equal(t, "1/2", got.Note)
	require.NotNil(t, got.FinishedAt)
}

func TestFinishRun_NoteOverride(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, nil, "")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusError, "scrape exited 1"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, got.Status)
	assert.Equal(t, "scrape exited 1", got.Note)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing-run")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrRunNotFound))

	err = s.UpdateRunNote(context.Background(), "missing-run", "note")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrRunNotFound))
}

func TestLatestRun_EmptyIsNil(t *testing.T) {
	s := newTestStore(t)

	run, err := s.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestListRuns_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1, err := s.CreateRun(ctx, nil, "")
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, nil, "")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, r1.ID, model.RunStatusDone, ""))

	done, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusDone})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, r1.ID, done[0].ID)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestResetStuckRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stuck, err := s.CreateRun(ctx, nil, "")
	require.NoError(t, err)
	finished, err := s.CreateRun(ctx, nil, "")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, finished.ID, model.RunStatusDone, ""))

	n, err := s.ResetStuckRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRun(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, got.Status)
	assert.Equal(t, "manual reset", got.Note)
	require.NotNil(t, got.FinishedAt)

	kept, err := s.GetRun(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, kept.Status)
}

func TestRecentChanges_JoinsNamesAndLimits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")

	base := time.Now().UTC().Truncate(time.Second)
	for i, price := range []float64{1.00, 1.10, 1.20, 1.30} {
		require.NoError(t, s.ApplyPriceUpdate(ctx, PriceUpdate{
			LinkID: link.ID, UnitPrice: price, CapturedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	feed, err := s.RecentChanges(ctx, 2)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, "Sunflower Oil 10L", feed[0].Product)
	assert.Equal(t, "Romprod", feed[0].Site)
	assert.Equal(t, 1.30, feed[0].New)
	assert.Equal(t, 1.20, feed[1].New)
}

func TestSiteAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := newTestLink(t, s, "romprod")
	newTestLink(t, s, "romprod")
	newTestLink(t, s, "foodex")

	require.NoError(t, s.ApplyPriceUpdate(ctx, PriceUpdate{
		LinkID: link.ID, UnitPrice: 2.00, CapturedAt: time.Now().UTC(),
	}))

	aggs, err := s.SiteAggregates(ctx)
	require.NoError(t, err)
	require.Len(t, aggs, 2)

	byName := map[string]SiteAggregate{}
	for _, agg := range aggs {
		byName[agg.Site] = agg
	}
	assert.Equal(t, 2, byName["Romprod"].Items)
	assert.NotNil(t, byName["Romprod"].Updated)
	assert.Equal(t, 1, byName["Foodex"].Items)
	assert.Nil(t, byName["Foodex"].Updated)
}

func TestCredentials_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetCredentials(ctx, "romprod")
	require.NoError(t, err)
	assert.Nil(t, missing)

	cred := model.Credentials{Username: "buyer@example.test", Password: "hunter2", TOTPSecret: "JBSWY3DPEHPK3PXP"}
	require.NoError(t, s.UpsertCredentials(ctx, "romprod", cred))

	got, err := s.GetCredentials(ctx, "romprod")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cred, *got)

	cred.Password = "rotated"
	require.NoError(t, s.UpsertCredentials(ctx, "romprod", cred))

	got, err = s.GetCredentials(ctx, "romprod")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Password)
}
