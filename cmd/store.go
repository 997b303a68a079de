package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/adapter"
	"github.com/pricehawk/pricehawk/internal/model"
	"github.com/pricehawk/pricehawk/internal/store"
)

// initStore opens the configured backend, migrates it, and seeds the fixed
// site catalog so every command sees the same five marketplaces.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if err := st.SeedSites(ctx, siteCatalog()); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "pricehawk.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func siteCatalog() []model.Site {
	sites := make([]model.Site, 0, len(adapter.SiteOrder))
	for _, key := range adapter.SiteOrder {
		spec := adapter.Sites[key]
		sites = append(sites, model.Site{
			Key:     spec.Key,
			Name:    spec.Name,
			BaseURL: spec.BaseURL,
		})
	}
	return sites
}
