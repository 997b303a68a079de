// Package price normalizes raw scraped price text into decimal GBP amounts.
package price

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// ErrUnparsable indicates the raw text could not be reduced to a finite,
// non-negative amount.
var ErrUnparsable = eris.New("price: unparsable amount")

// Parse extracts a monetary amount from raw scraped text. Separator
// handling follows the marketplaces we track: when both comma and dot are
// present the dot is a thousands separator and the comma the decimal mark;
// a lone comma is a decimal mark; a lone dot is used as-is. The result is
// rounded to 2 decimal places.
func Parse(raw string) (float64, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	hasComma := strings.Contains(cleaned, ",")
	hasDot := strings.Contains(cleaned, ".")

	normalized := cleaned
	switch {
	case hasComma && hasDot:
		normalized = strings.ReplaceAll(cleaned, ".", "")
		normalized = strings.Replace(normalized, ",", ".", 1)
	case hasComma:
		normalized = strings.Replace(cleaned, ",", ".", 1)
	}

	val, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, eris.Wrapf(ErrUnparsable, "from %q", raw)
	}
	if math.IsInf(val, 0) || math.IsNaN(val) || val < 0 {
		return 0, eris.Wrapf(ErrUnparsable, "from %q", raw)
	}
	return Round2(val), nil
}

// Round2 rounds to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round4 rounds to 4 decimal places, used for unit prices derived from a
// pack price and a pack size.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

var gbpPrinter = message.NewPrinter(language.BritishEnglish)

// FormatGBP renders an amount the way the dashboard displays it, e.g.
// "£1,234.56".
func FormatGBP(v float64) string {
	return gbpPrinter.Sprintf("£%v", number.Decimal(v,
		number.MinFractionDigits(2),
		number.MaxFractionDigits(2),
	))
}
