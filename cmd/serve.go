package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pricehawk/pricehawk/internal/adapter"
	"github.com/pricehawk/pricehawk/internal/ingest"
	"github.com/pricehawk/pricehawk/internal/model"
	"github.com/pricehawk/pricehawk/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		api := &apiServer{st: st, spawn: spawnScrape(st)}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// spawnScrape starts a scrape-and-ingest cycle in the background; the HTTP
// trigger responds immediately while ingestion continues.
func spawnScrape(st store.Store) func(runID string, total int, site string) {
	return func(runID string, total int, site string) {
		go func() {
			exe, err := os.Executable()
			if err != nil {
				zap.L().Error("resolve executable", zap.Error(err))
				_ = st.FinishRun(context.Background(), runID, model.RunStatusError, "could not start scrape process")
				return
			}
			args := []string{"scrape"}
			if site != "" {
				args = append(args, "--site", site)
			}
			if err := ingest.RunScrape(context.Background(), st, runID, total, exe, args...); err != nil {
				zap.L().Error("background run failed", zap.String("run", runID), zap.Error(err))
			}
		}()
	}
}

// apiServer carries the handler dependencies. spawn is injected so tests
// observe triggers without forking processes.
type apiServer struct {
	st    store.Store
	spawn func(runID string, total int, site string)
}

func (a *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", a.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/run", a.handleRun)
		r.Get("/home", a.handleHome)
		r.Get("/manual/foodex", a.handleManualFoodexGet)
		r.Post("/manual/foodex", a.handleManualFoodexPost)
		r.Post("/admin/reset", a.handleAdminReset)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SiteID string `json:"siteId"`
	}
	if r.Body != nil {
		// An empty or absent body means an all-sites run.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	site := req.SiteID
	if site == "" {
		site = r.URL.Query().Get("siteId")
	}

	if site != "" {
		if _, ok := adapter.Sites[site]; !ok {
			writeError(w, http.StatusBadRequest, "unknown site: "+site)
			return
		}
		if site == adapter.ManualOnlySite {
			writeError(w, http.StatusBadRequest,
				adapter.Sites[site].Name+" requires the manual capture flow.")
			return
		}
	}

	links, err := a.st.ListLinks(r.Context(), site)
	if err != nil {
		zap.L().Error("list links", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load tracked links")
		return
	}
	total := 0
	for _, link := range links {
		if link.SiteKey != adapter.ManualOnlySite {
			total++
		}
	}

	run, err := a.st.CreateRun(r.Context(), runEta(total), runNote(site, total))
	if err != nil {
		zap.L().Error("create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create run")
		return
	}

	a.spawn(run.ID, total, site)

	var siteID *string
	if site != "" {
		siteID = &site
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"count":  total,
		"siteId": siteID,
		"runId":  run.ID,
	})
}

type homeStatus struct {
	LastRun    time.Time       `json:"lastRun"`
	Status     model.RunStatus `json:"status"`
	EtaSec     *int            `json:"etaSec,omitempty"`
	ElapsedSec int             `json:"elapsedSec"`
}

func (a *apiServer) handleHome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	lastRun, err := a.st.LatestRun(ctx)
	if err != nil {
		zap.L().Error("latest run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run status")
		return
	}
	feed, err := a.st.RecentChanges(ctx, 10)
	if err != nil {
		zap.L().Error("recent changes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load change feed")
		return
	}
	lists, err := a.st.SiteAggregates(ctx)
	if err != nil {
		zap.L().Error("site aggregates", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load site lists")
		return
	}

	var status *homeStatus
	if lastRun != nil {
		s := homeStatus{
			LastRun: lastRun.StartedAt,
			Status:  lastRun.Status,
			EtaSec:  lastRun.EtaSec,
		}
		if lastRun.FinishedAt != nil {
			s.LastRun = *lastRun.FinishedAt
			s.ElapsedSec = int(lastRun.FinishedAt.Sub(lastRun.StartedAt).Round(time.Second).Seconds())
		} else {
			s.ElapsedSec = int(time.Since(lastRun.StartedAt).Round(time.Second).Seconds())
		}
		status = &s
	}

	if feed == nil {
		feed = []store.ChangeFeedItem{}
	}
	if lists == nil {
		lists = []store.SiteAggregate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"feed":   feed,
		"lists":  lists,
	})
}

type manualLink struct {
	ID            int64      `json:"id"`
	ProductName   string     `json:"productName"`
	URL           string     `json:"url"`
	Selector      string     `json:"selector"`
	SearchQuery   string     `json:"searchQuery"`
	LastPriceUnit *float64   `json:"lastPriceUnit"`
	LastPricePack *float64   `json:"lastPricePack"`
	PackSize      *int       `json:"packSize"`
	UnitLabel     string     `json:"unitLabel"`
	PackLabel     string     `json:"packLabel"`
	LastChecked   *time.Time `json:"lastChecked"`
}

func (a *apiServer) handleManualFoodexGet(w http.ResponseWriter, r *http.Request) {
	spec := adapter.Sites[adapter.ManualOnlySite]

	links, err := a.st.ListLinks(r.Context(), adapter.ManualOnlySite)
	if err != nil {
		zap.L().Error("list manual links", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load links")
		return
	}

	out := make([]manualLink, 0, len(links))
	for _, l := range links {
		out = append(out, manualLink{
			ID:            l.ID,
			ProductName:   l.ProductName,
			URL:           l.URL,
			Selector:      manualSelector(l.Selector, spec),
			SearchQuery:   l.SearchQuery,
			LastPriceUnit: l.LastPrice,
			LastPricePack: l.LastPack,
			PackSize:      l.PackSize,
			UnitLabel:     l.UnitLabel,
			PackLabel:     l.PackLabel,
			LastChecked:   l.LastChecked,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"site":  spec.Name,
		"count": len(out),
		"links": out,
	})
}

// manualSelector substitutes the site default when a link carries no usable
// selector override. A bare "price" is legacy placeholder data, not a real
// selector.
func manualSelector(raw string, spec adapter.SiteSpec) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "price") {
		if len(spec.DefaultPriceSelectors) > 0 {
			return spec.DefaultPriceSelectors[0]
		}
		return ""
	}
	return raw
}

type manualEntry struct {
	ID         int64    `json:"id"`
	UnitPrice  *float64 `json:"unitPrice"`
	Amount     *float64 `json:"amount"`
	Price      *float64 `json:"price"`
	PackPrice  *float64 `json:"packPrice"`
	PackSize   *int     `json:"packSize"`
	UnitLabel  string   `json:"unitLabel"`
	PackLabel  string   `json:"packLabel"`
	CapturedAt string   `json:"capturedAt"`
}

func (e manualEntry) unitPrice() *float64 {
	if e.UnitPrice != nil {
		return e.UnitPrice
	}
	if e.Amount != nil {
		return e.Amount
	}
	return e.Price
}

func (a *apiServer) handleManualFoodexPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []manualEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "missing entries payload")
		return
	}

	siteID, err := a.manualSiteID(r.Context())
	if err != nil {
		zap.L().Error("resolve manual site", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "manual site not configured")
		return
	}

	updated := 0
	for _, entry := range req.Entries {
		unit := entry.unitPrice()
		if entry.ID <= 0 || unit == nil {
			continue
		}
		id := entry.ID
		ev := model.PriceEvent{
			ID:        &id,
			TS:        entry.CapturedAt,
			Amount:    unit,
			PackPrice: entry.PackPrice,
			PackSize:  entry.PackSize,
			UnitLabel: strings.TrimSpace(entry.UnitLabel),
			PackLabel: strings.TrimSpace(entry.PackLabel),
		}
		if err := ingest.Apply(r.Context(), a.st, ev, siteID); err != nil {
			zap.L().Warn("manual entry skipped",
				zap.Int64("link", entry.ID),
				zap.Error(err),
			)
			continue
		}
		updated++
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}

func (a *apiServer) manualSiteID(ctx context.Context) (int64, error) {
	sites, err := a.st.ListSites(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sites {
		if s.Key == adapter.ManualOnlySite {
			return s.ID, nil
		}
	}
	return 0, eris.Errorf("site %s not seeded", adapter.ManualOnlySite)
}

func (a *apiServer) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	n, err := a.st.ResetStuckRuns(r.Context())
	if err != nil {
		zap.L().Error("reset stuck runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not reset runs")
		return
	}
	zap.L().Info("stuck runs reset", zap.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}
