package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pricehawk/pricehawk/internal/adapter"
	"github.com/pricehawk/pricehawk/internal/ingest"
	"github.com/pricehawk/pricehawk/internal/model"
)

var runSite string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full scrape-and-ingest cycle",
	Long:  "Creates a query run, spawns the scrape process, ingests its event stream into the store, and finalizes the run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if runSite != "" {
			if _, ok := adapter.Sites[runSite]; !ok {
				return eris.Errorf("unknown site: %s", runSite)
			}
			if runSite == adapter.ManualOnlySite {
				return eris.Errorf("%s requires the manual capture flow", adapter.Sites[runSite].Name)
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		links, err := st.ListLinks(ctx, runSite)
		if err != nil {
			return err
		}
		total := 0
		for _, link := range links {
			if link.SiteKey != adapter.ManualOnlySite {
				total++
			}
		}

		run, err := st.CreateRun(ctx, runEta(total), runNote(runSite, total))
		if err != nil {
			return err
		}
		zap.L().Info("run created",
			zap.String("run", run.ID),
			zap.Int("links", total),
			zap.String("site", runSite),
		)

		exe, err := os.Executable()
		if err != nil {
			return eris.Wrap(err, "resolve executable")
		}
		args := []string{"scrape"}
		if runSite != "" {
			args = append(args, "--site", runSite)
		}

		if err := ingest.RunScrape(ctx, st, run.ID, total, exe, args...); err != nil {
			return err
		}

		final, err := st.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		fmt.Printf("run %s finished: %s (%s)\n", final.ID, final.Status, final.Note)
		if final.Status != model.RunStatusDone {
			return eris.Errorf("run finished with status %s", final.Status)
		}
		return nil
	},
}

// runEta estimates run duration from the link count: a floor of 20 seconds
// plus a per-link budget.
func runEta(total int) *int {
	if total == 0 {
		return nil
	}
	perLink := cfg.Scraper.EtaPerLinkSecs
	if perLink <= 0 {
		perLink = 8
	}
	eta := total * perLink
	if eta < 20 {
		eta = 20
	}
	return &eta
}

func runNote(site string, total int) string {
	prefix := "all-sites"
	if site != "" {
		prefix = "site:" + site
	}
	if total == 0 {
		return prefix + ":empty"
	}
	return fmt.Sprintf("%s:%d", prefix, total)
}

func init() {
	runCmd.Flags().StringVar(&runSite, "site", "", "restrict the run to one site id")
	rootCmd.AddCommand(runCmd)
}
