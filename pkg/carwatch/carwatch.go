// Package carwatch contains the core domain types for the listing notification service.
package carwatch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyNotified is returned by a ledger when the (user, listing, filter) triple is already recorded.
	ErrAlreadyNotified = errors.New("notification already recorded")
	// ErrNotFound is returned when a listing or filter does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidFilter is returned when a filter spec fails validation.
	ErrInvalidFilter = errors.New("invalid filter")
)

// Candidate is a listing as extracted from one page fragment, before persistence.
type Candidate struct {
	ObservedAt time.Time `json:"observed_at"`
	Price      *int      `json:"price,omitempty"`
	Year       *int      `json:"year,omitempty"`
	Mileage    *int      `json:"mileage,omitempty"`
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id"`
	Title      string    `json:"title"`
	Brand      string    `json:"brand"`
	Model      string    `json:"model"`
	Region     string    `json:"region"`
	URL        string    `json:"url"`
	PhotoURL   string    `json:"photo_url,omitempty"`
}

// Listing is a persisted candidate. Only LastSeenAt changes after creation.
type Listing struct {
	Candidate

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	ID          string    `json:"id"`
}

// FilterSpec is a user's saved search. Nil bounds and empty strings are unset.
type FilterSpec struct {
	CreatedAt  time.Time `json:"created_at"`
	MinYear    *int      `json:"min_year,omitempty"`
	MaxYear    *int      `json:"max_year,omitempty"`
	MinPrice   *int      `json:"min_price,omitempty"`
	MaxPrice   *int      `json:"max_price,omitempty"`
	MaxMileage *int      `json:"max_mileage,omitempty"`
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	Name       string    `json:"name"`
	Brand      string    `json:"brand,omitempty"`
	Model      string    `json:"model,omitempty"`
	Region     string    `json:"region,omitempty"`
	Active     bool      `json:"active"`
}

// Validate checks that the filter has an owner and sane bounds.
func (f *FilterSpec) Validate() error {
	if f.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidFilter)
	}
	if f.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFilter)
	}
	for name, v := range map[string]*int{
		"min_year": f.MinYear, "max_year": f.MaxYear,
		"min_price": f.MinPrice, "max_price": f.MaxPrice,
		"max_mileage": f.MaxMileage,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidFilter, name)
		}
	}
	if f.MinYear != nil && f.MaxYear != nil && *f.MinYear > *f.MaxYear {
		return fmt.Errorf("%w: min_year %d exceeds max_year %d", ErrInvalidFilter, *f.MinYear, *f.MaxYear)
	}
	if f.MinPrice != nil && f.MaxPrice != nil && *f.MinPrice > *f.MaxPrice {
		return fmt.Errorf("%w: min_price %d exceeds max_price %d", ErrInvalidFilter, *f.MinPrice, *f.MaxPrice)
	}
	return nil
}

// NotificationRecord marks that User was notified about ListingID via FilterID.
type NotificationRecord struct {
	SentAt    time.Time `json:"sent_at"`
	User      string    `json:"user"`
	ListingID string    `json:"listing_id"`
	FilterID  string    `json:"filter_id"`
}

// ListingID derives the stable listing id from its natural key.
func ListingID(source, externalID string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + externalID))
	return hex.EncodeToString(sum[:16])
}

// Int returns a pointer to v, for optional numeric fields.
func Int(v int) *int {
	return &v
}
