package resolver

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// currencyMarkers are removed before parsing. "Rs." precedes "Rs" so the dot goes with it.
var currencyMarkers = strings.NewReplacer(
	"₹", "",
	"Rs.", "",
	"Rs", "",
	"INR", "",
	"$", "",
	"€", "",
	"£", "",
	"USD", "",
	"EUR", "",
	"GBP", "",
	",", "",
)

// numericRun matches digits with at most one decimal point.
var numericRun = regexp.MustCompile(`\d*\.?\d+`)

// Normalize turns matched price text into a decimal. It strips known currency markers,
// thousands separators and all whitespace, then parses what is left. When that fails it
// parses the first numeric run instead. The second return value is false when the text
// holds no usable number.
func Normalize(text string) (decimal.Decimal, bool) {
	cleaned := strings.Join(strings.Fields(currencyMarkers.Replace(text)), "")
	if cleaned == "" {
		return decimal.Decimal{}, false
	}
	if price, err := decimal.NewFromString(cleaned); err == nil && !price.IsNegative() {
		return price, true
	}
	run := numericRun.FindString(cleaned)
	if run == "" {
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(run)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return price, true
}
