package domain

import (
	"fmt"
	"strings"
)

// Price matrix bounds accepted from scrapers.
const (
	MinLeaseMonths = 12
	MaxLeaseMonths = 84
	MinKmPerYear   = 5000
	MaxKmPerYear   = 50000
	MaxMonthly     = 5000.0
)

// ValidateIdentity checks that an identity can serve as a cache and queue key.
func ValidateIdentity(id VehicleIdentity) error {
	if strings.TrimSpace(string(id.Provider)) == "" {
		return NewValidationError("provider", string(id.Provider), ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.Make) == "" {
		return NewValidationError("make", id.Make, ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.Model) == "" {
		return NewValidationError("model", id.Model, ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.ListingRef) == "" && strings.TrimSpace(id.Version) == "" {
		return NewValidationError("listing_ref", id.ListingRef, ErrInvalidIdentity)
	}
	return nil
}

// ValidateOffer checks a scraped record before it is written to the cache.
// want is the identity that was requested from the scraper.
func ValidateOffer(rec OfferRecord, want VehicleIdentity) error {
	if err := ValidateIdentity(rec.Identity); err != nil {
		return err
	}
	if rec.Identity.Key() != want.Key() {
		return fmt.Errorf("%w: got %s, want %s", ErrIdentityMismatch, rec.Identity.Key(), want.Key())
	}
	if len(rec.Prices) == 0 {
		return NewValidationError("prices", "", ErrEmptyPriceMatrix)
	}
	for _, p := range rec.Prices {
		if p.Months < MinLeaseMonths || p.Months > MaxLeaseMonths {
			return NewValidationError("months", fmt.Sprintf("%d", p.Months), ErrPriceOutOfRange)
		}
		if p.KmYear < MinKmPerYear || p.KmYear > MaxKmPerYear {
			return NewValidationError("km_per_year", fmt.Sprintf("%d", p.KmYear), ErrPriceOutOfRange)
		}
		if p.Monthly <= 0 || p.Monthly > MaxMonthly {
			return NewValidationError("monthly", fmt.Sprintf("%.2f", p.Monthly), ErrPriceOutOfRange)
		}
	}
	return nil
}
