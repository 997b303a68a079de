package adapter

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pricehawk/pricehawk/internal/browser"
	"github.com/pricehawk/pricehawk/internal/model"
	"github.com/pricehawk/pricehawk/internal/price"
)

var (
	packSizeRe   = regexp.MustCompile(`(\d+)\s*[xX]`)
	firstNumRe   = regexp.MustCompile(`\d+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// priceSelectors builds the ordered candidate list for one link: a
// per-link selector override always probes first.
func priceSelectors(linkSelector string, spec SiteSpec) []string {
	if linkSelector == "" {
		return spec.DefaultPriceSelectors
	}
	return append([]string{linkSelector}, spec.DefaultPriceSelectors...)
}

// readPrice reads the displayed price from the first matching candidate
// and parses it.
func readPrice(ctx context.Context, d browser.PageDriver, selectors []string) (float64, error) {
	text, err := d.Text(ctx, selectors...)
	if err != nil {
		return 0, err
	}
	return price.Parse(text)
}

// probePackSize looks for "N x" in the pack info block. Absence is not an
// error.
func probePackSize(ctx context.Context, d browser.PageDriver, selectors []string) *int {
	if len(selectors) == 0 {
		return nil
	}
	has, err := d.Exists(ctx, selectors...)
	if err != nil || !has {
		return nil
	}
	text, err := d.Text(ctx, selectors...)
	if err != nil {
		return nil
	}
	m := packSizeRe.FindStringSubmatch(whitespaceRe.ReplaceAllString(text, " "))
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

var optionWordRe = regexp.MustCompile(`[a-z]+`)

// matchesVocab reports whether any word of the option's label or value
// starts with a vocabulary keyword, so "Case of 6", "12 pcs" and "Boxes"
// all classify.
func matchesVocab(opt browser.SelectOption, vocab []string) bool {
	for _, text := range []string{opt.Label, opt.Value} {
		for _, word := range optionWordRe.FindAllString(strings.ToLower(text), -1) {
			for _, keyword := range vocab {
				if strings.HasPrefix(word, keyword) {
					return true
				}
			}
		}
	}
	return false
}

// extractDetail reads a product detail page that may expose a unit/box
// selector: the initial reading is the pack price, enumerating the select
// refines it into separate unit and box prices, and a missing unit option
// falls back to pack price divided by pack size. The box view is restored
// afterwards so a later manual visit sees the page as the site serves it.
func extractDetail(ctx context.Context, d browser.PageDriver, linkSelector string, spec SiteSpec) (model.PriceResult, error) {
	sels := priceSelectors(linkSelector, spec)
	packPrice, err := readPrice(ctx, d, sels)
	if err != nil {
		return model.PriceResult{}, err
	}
	packSize := probePackSize(ctx, d, spec.PackInfoSelectors)

	var unitPrice *float64
	if len(spec.UnitSelectSelectors) > 0 {
		has, err := d.Exists(ctx, spec.UnitSelectSelectors...)
		if err != nil {
			return model.PriceResult{}, err
		}
		if has {
			opts, err := d.SelectOptions(ctx, spec.UnitSelectSelectors...)
			if err != nil {
				return model.PriceResult{}, err
			}
			for _, opt := range opts {
				if opt.Disabled || opt.Value == "" {
					continue
				}
				switch {
				case matchesVocab(opt, spec.unitVocab()):
					if err := d.SetSelect(ctx, opt.Value, spec.UnitSelectSelectors...); err != nil {
						return model.PriceResult{}, err
					}
					v, err := readPrice(ctx, d, sels)
					if err != nil {
						return model.PriceResult{}, err
					}
					unitPrice = &v
				case matchesVocab(opt, spec.packVocab()):
					if err := d.SetSelect(ctx, opt.Value, spec.UnitSelectSelectors...); err != nil {
						return model.PriceResult{}, err
					}
					packPrice, err = readPrice(ctx, d, sels)
					if err != nil {
						return model.PriceResult{}, err
					}
					if packSize == nil {
						if m := firstNumRe.FindString(opt.Label); m != "" {
							if n, err := strconv.Atoi(m); err == nil && n > 0 {
								packSize = &n
							}
						}
					}
				}
			}
			for _, opt := range opts {
				if !opt.Disabled && opt.Value != "" && matchesVocab(opt, spec.packVocab()) {
					_ = d.SetSelect(ctx, opt.Value, spec.UnitSelectSelectors...)
					break
				}
			}
		}
	}

	if unitPrice == nil && packSize != nil && *packSize > 0 {
		v := price.Round4(packPrice / float64(*packSize))
		unitPrice = &v
	}

	pack := packPrice
	res := model.PriceResult{
		Amount:    packPrice,
		PackPrice: &pack,
		PackSize:  packSize,
		PackLabel: "box",
	}
	if unitPrice != nil {
		res.Amount = *unitPrice
		res.UnitLabel = "unit"
	}
	return res, nil
}

// settle pauses briefly for the page to react, honoring cancellation.
func settle(ctx context.Context, delay time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
