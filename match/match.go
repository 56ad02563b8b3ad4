// Package match evaluates listings against saved filter specs.
package match

import (
	"strings"

	"carwatch/pkg/carwatch"
	"carwatch/resolve"
)

// Matches reports whether listing satisfies filter.
// Predicates run in a fixed order and stop at the first rejection.
// A listing field that is unknown never causes a rejection, except brand.
func Matches(listing *carwatch.Listing, filter *carwatch.FilterSpec) bool {
	if listing == nil || filter == nil {
		return false
	}

	// Filters never match inventory observed before they existed.
	if !listing.ObservedAt.IsZero() && !filter.CreatedAt.IsZero() && listing.ObservedAt.Before(filter.CreatedAt) {
		return false
	}

	if filter.Brand != "" && !resolve.BrandMatches(filter.Brand, listing.Brand) {
		return false
	}

	if m := strings.ToLower(strings.TrimSpace(filter.Model)); m != "" {
		if !strings.Contains(strings.ToLower(listing.Model), m) {
			return false
		}
	}

	if !inRange(listing.Year, filter.MinYear, filter.MaxYear) {
		return false
	}
	if !inRange(listing.Price, filter.MinPrice, filter.MaxPrice) {
		return false
	}
	if !inRange(listing.Mileage, nil, filter.MaxMileage) {
		return false
	}

	if filter.Region != "" && strings.TrimSpace(listing.Region) != "" {
		if !resolve.RegionMatches(filter.Region, listing.Region) {
			return false
		}
	}

	return true
}

// inRange is true when v is unknown or lies within the optional inclusive bounds.
func inRange(v, lo, hi *int) bool {
	if v == nil {
		return true
	}
	if lo != nil && *v < *lo {
		return false
	}
	if hi != nil && *v > *hi {
		return false
	}
	return true
}
