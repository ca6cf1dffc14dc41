package mcpgateway

import (
	"slices"

	"golang.org/x/text/width"
)

// descriptionLimit caps exposed descriptions, counted in runes.
const descriptionLimit = 50

var descriptionStops = []func(rune) bool{
	func(r rune) bool { return r == '\n' },
	func(r rune) bool { return r == '.' },
	isFullWidthPeriod,
}

// Limit shortens a description for catalog listings. It cuts at the earliest
// of the first line break, the first period (ASCII or full-width), or 50
// runes. A stop at position zero is ignored so a description is never cut to
// nothing by a leading period.
func Limit(s string) string {
	runes := []rune(s)
	cut := min(len(runes), descriptionLimit)
	for _, stop := range descriptionStops {
		if i := slices.IndexFunc(runes, stop); i > 0 && i < cut {
			cut = i
		}
	}
	return string(runes[:cut])
}

func isFullWidthPeriod(r rune) bool {
	if r == '。' {
		return true
	}
	return r != '.' && width.LookupRune(r).Narrow() == '.'
}
