package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricehawk/pricehawk/internal/config"
	"github.com/pricehawk/pricehawk/internal/model"
	"github.com/pricehawk/pricehawk/internal/store"
)

type spawnCall struct {
	runID string
	total int
	site  string
}

func newTestAPI(t *testing.T) (*apiServer, *store.SQLiteStore, *[]spawnCall) {
	t.Helper()
	cfg = &config.Config{}

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.SeedSites(ctx, siteCatalog()))

	var calls []spawnCall
	api := &apiServer{
		st: s,
		spawn: func(runID string, total int, site string) {
			calls = append(calls, spawnCall{runID: runID, total: total, site: site})
		},
	}
	return api, s, &calls
}

func addLink(t *testing.T, s *store.SQLiteStore, siteKey, name string) *model.ProductLink {
	t.Helper()
	ctx := context.Background()
	product, err := s.CreateProduct(ctx, name)
	require.NoError(t, err)
	link, err := s.CreateLink(ctx, model.ProductLink{
		ProductID: product.ID,
		SiteKey:   siteKey,
		URL:       "https://example.test/" + name,
	})
	require.NoError(t, err)
	return link
}

func doRequest(t *testing.T, api *apiServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	api.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doRequest(t, api, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestRun_RejectsManualSiteBeforeSideEffects(t *testing.T) {
	api, s, calls := newTestAPI(t)
	addLink(t, s, "foodex", "ham")

	rec := doRequest(t, api, http.MethodPost, "/api/run", `{"siteId":"foodex"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "manual capture flow")

	runs, err := s.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "no run row may exist after the rejection")
	assert.Empty(t, *calls)
}

func TestRun_RejectsUnknownSite(t *testing.T) {
	api, _, calls := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/run", `{"siteId":"amazon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown site")
	assert.Empty(t, *calls)
}

func TestRun_CreatesRunAndSpawns(t *testing.T) {
	api, s, calls := newTestAPI(t)
	addLink(t, s, "romprod", "oil")
	addLink(t, s, "romprod", "rice")
	addLink(t, s, "mastersale", "flour")
	// Manual-only links never count toward an automated run.
	addLink(t, s, "foodex", "ham")

	rec := doRequest(t, api, http.MethodPost, "/api/run", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK     bool    `json:"ok"`
		Count  int     `json:"count"`
		SiteID *string `json:"siteId"`
		RunID  string  `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 3, resp.Count)
	assert.Nil(t, resp.SiteID)

	require.Len(t, *calls, 1)
	assert.Equal(t, resp.RunID, (*calls)[0].runID)
	assert.Equal(t, 3, (*calls)[0].total)
	assert.Equal(t, "", (*calls)[0].site)

	run, err := s.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, "all-sites:3", run.Note)
	require.NotNil(t, run.EtaSec)
	assert.Equal(t, 24, *run.EtaSec)
}

func TestRun_SiteFilterAndEtaFloor(t *testing.T) {
	api, s, calls := newTestAPI(t)
	addLink(t, s, "romprod", "oil")
	addLink(t, s, "mastersale", "flour")

	rec := doRequest(t, api, http.MethodPost, "/api/run", `{"siteId":"romprod"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, *calls, 1)
	assert.Equal(t, 1, (*calls)[0].total)
	assert.Equal(t, "romprod", (*calls)[0].site)

	run, err := s.GetRun(context.Background(), (*calls)[0].runID)
	require.NoError(t, err)
	assert.Equal(t, "site:romprod:1", run.Note)
	require.NotNil(t, run.EtaSec)
	assert.Equal(t, 20, *run.EtaSec, "short runs keep the 20 second floor")
}

func TestHome_EmptyState(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/api/home", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status *homeStatus            `json:"status"`
		Feed   []store.ChangeFeedItem `json:"feed"`
		Lists  []store.SiteAggregate  `json:"lists"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Status)
	assert.NotNil(t, resp.Feed)
	assert.Empty(t, resp.Feed)
}

func TestHome_PopulatedState(t *testing.T) {
	api, s, _ := newTestAPI(t)
	ctx := context.Background()
	link := addLink(t, s, "romprod", "oil")

	now := time.Now().UTC()
	require.NoError(t, s.ApplyPriceUpdate(ctx, store.PriceUpdate{LinkID: link.ID, UnitPrice: 2.00, CapturedAt: now}))
	require.NoError(t, s.ApplyPriceUpdate(ctx, store.PriceUpdate{LinkID: link.ID, UnitPrice: 2.25, CapturedAt: now.Add(time.Minute)}))

	eta := 20
	run, err := s.CreateRun(ctx, &eta, "site:romprod:1")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusDone, "1/1"))

	rec := doRequest(t, api, http.MethodGet, "/api/home", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status *homeStatus            `json:"status"`
		Feed   []store.ChangeFeedItem `json:"feed"`
		Lists  []store.SiteAggregate  `json:"lists"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Status)
	assert.Equal(t, model.RunStatusDone, resp.Status.Status)

	require.Len(t, resp.Feed, 1)
	assert.Equal(t, "oil", resp.Feed[0].Product)
	assert.Equal(t, "Romprod", resp.Feed[0].Site)
	assert.Equal(t, 2.00, resp.Feed[0].Old)
	assert.Equal(t, 2.25, resp.Feed[0].New)

	require.Len(t, resp.Lists, 1)
	assert.Equal(t, "Romprod", resp.Lists[0].Site)
	assert.Equal(t, 1, resp.Lists[0].Items)
}

func TestManualFoodexGet_SelectorFallback(t *testing.T) {
	api, s, _ := newTestAPI(t)
	addLink(t, s, "foodex", "ham")
	// Links for other sites never show up in the manual list.
	addLink(t, s, "romprod", "oil")

	rec := doRequest(t, api, http.MethodGet, "/api/manual/foodex", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Site  string       `json:"site"`
		Count int          `json:"count"`
		Links []manualLink `json:"links"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Foodex London", resp.Site)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "ham", resp.Links[0].ProductName)
	assert.Equal(t, "td.price", resp.Links[0].Selector)
}

func TestManualFoodexPost_AppliesEntries(t *testing.T) {
	api, s, _ := newTestAPI(t)
	ctx := context.Background()
	link := addLink(t, s, "foodex", "ham")

	body := `{"entries":[
		{"id":` + jsonInt(link.ID) + `,"unitPrice":4.20,"packPrice":50.40,"packSize":12,"unitLabel":"unit","packLabel":"box"},
		{"id":99999,"unitPrice":1.00},
		{"id":` + jsonInt(link.ID) + `},
		{"unitPrice":2.00}
	]}`
	rec := doRequest(t, api, http.MethodPost, "/api/manual/foodex", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK      bool `json:"ok"`
		Updated int  `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.Updated)

	links, err := s.ListLinks(ctx, "foodex")
	require.NoError(t, err)
	require.NotNil(t, links[0].LastPrice)
	assert.Equal(t, 4.20, *links[0].LastPrice)
	require.NotNil(t, links[0].LastPack)
	assert.Equal(t, 50.40, *links[0].LastPack)
}

func TestManualFoodexPost_CannotTouchOtherSites(t *testing.T) {
	api, s, _ := newTestAPI(t)
	ctx := context.Background()
	other := addLink(t, s, "romprod", "oil")

	body := `{"entries":[{"id":` + jsonInt(other.ID) + `,"unitPrice":9.99}]}`
	rec := doRequest(t, api, http.MethodPost, "/api/manual/foodex", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Updated int `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Updated)

	snaps, err := s.ListSnapshots(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestManualFoodexPost_EmptyPayload(t *testing.T) {
	api, _, _ := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/manual/foodex", `{"entries":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminReset(t *testing.T) {
	api, s, _ := newTestAPI(t)
	ctx := context.Background()

	stuck, err := s.CreateRun(ctx, nil, "")
	require.NoError(t, err)

	rec := doRequest(t, api, http.MethodPost, "/api/admin/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reset":1}`, rec.Body.String())

	run, err := s.GetRun(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Equal(t, "manual reset", run.Note)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
