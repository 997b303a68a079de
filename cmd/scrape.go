package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pricehawk/pricehawk/internal/adapter"
	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/creds"
	"github.com/pricehawk/pricehawk/internal/orch"
	"github.com/pricehawk/pricehawk/internal/session"
)

var scrapeSite string

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape tracked prices and emit events on stdout",
	Long:  "Visits each site with tracked links in one logged-in browser session and writes one JSON event per outcome to stdout. All diagnostics go to stderr; stdout carries nothing but events.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if scrapeSite != "" {
			if _, ok := adapter.Sites[scrapeSite]; !ok {
				return eris.Errorf("unknown site: %s", scrapeSite)
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		links, err := st.ListLinks(ctx, scrapeSite)
		if err != nil {
			return err
		}
		if len(links) == 0 {
			zap.L().Info("no tracked links, nothing to scrape", zap.String("site", scrapeSite))
			return nil
		}

		b, err := browser.Launch(browser.Options{
			Headless:       cfg.Browser.Headless,
			BinPath:        cfg.Browser.BinPath,
			NavTimeout:     time.Duration(cfg.Browser.NavTimeoutSecs) * time.Second,
			ElementTimeout: time.Duration(cfg.Browser.ElementTimeoutSecs) * time.Second,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				zap.L().Warn("close browser", zap.Error(err))
			}
		}()

		sessions := session.NewFileStore(cfg.Scraper.StateDir, adapter.SessionExcludedSite)
		o := orch.New(
			orch.BrowserEnv{Browser: b},
			adapter.Registry(),
			sessions,
			creds.NewProvider(st),
			orch.NewEmitter(os.Stdout),
			orch.Config{
				LoginAttempts: cfg.Scraper.LoginAttempts,
				LinkDelay:     time.Duration(cfg.Scraper.LinkDelayMs) * time.Millisecond,
			},
		)

		return o.Run(ctx, scrapeSite, links)
	},
}

func init() {
	scrapeCmd.Flags().StringVar(&scrapeSite, "site", "", "restrict the run to one site id")
	rootCmd.AddCommand(scrapeCmd)
}
