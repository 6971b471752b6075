// Package export writes the offer cache to an XLSX workbook with one sheet
// per provider and one column per price matrix cell.
package export

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/offercache"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/fn"
)

// Options filters what is exported.
type Options struct {
	Providers      []domain.Provider
	IncludeRemoved bool
}

var fixedColumns = []string{"Make", "Model", "Version", "Edition", "Listing", "URL", "Currency", "Scraped at", "Version no.", "Removed at"}

// Write exports the cache to w and returns how many records it wrote.
func Write(ctx context.Context, cache offercache.Cache, w io.Writer, opts Options) (int, error) {
	recs, err := cache.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("export: list cache: %w", err)
	}
	recs = fn.Filter(recs, func(r domain.OfferRecord) bool {
		if r.Removed && !opts.IncludeRemoved {
			return false
		}
		if len(opts.Providers) == 0 {
			return true
		}
		for _, p := range opts.Providers {
			if r.Identity.Provider == p {
				return true
			}
		}
		return false
	})
	byProvider := fn.GroupBy(recs, func(r domain.OfferRecord) domain.Provider { return r.Identity.Provider })

	names := make([]domain.Provider, 0, len(byProvider))
	for p := range byProvider {
		names = append(names, p)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	f := excelize.NewFile()
	defer f.Close()
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, fmt.Errorf("export: style: %w", err)
	}

	for i, p := range names {
		sheet := string(p)
		idx, err := f.NewSheet(sheet)
		if err != nil {
			return 0, fmt.Errorf("export: sheet %s: %w", sheet, err)
		}
		if i == 0 {
			f.SetActiveSheet(idx)
		}
		if err := writeSheet(f, sheet, byProvider[p], bold); err != nil {
			return 0, fmt.Errorf("export: sheet %s: %w", sheet, err)
		}
	}
	if len(names) > 0 {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return 0, fmt.Errorf("export: %w", err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("export: write: %w", err)
	}
	return len(recs), nil
}

func writeSheet(f *excelize.File, sheet string, recs []domain.OfferRecord, headerStyle int) error {
	cells := priceColumns(recs)
	header := make([]any, 0, len(fixedColumns)+len(cells))
	for _, c := range fixedColumns {
		header = append(header, c)
	}
	for _, k := range cells {
		header = append(header, ColumnName(k))
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	for i, r := range recs {
		row := []any{
			r.Identity.Make, r.Identity.Model, r.Identity.Version, r.Edition,
			r.Identity.ListingRef, r.URL, r.Currency, formatTime(r.ScrapedAt), r.Version, formatTime(r.RemovedAt),
		}
		for _, k := range cells {
			if v, ok := r.Prices.Lookup(k.Months, k.KmYear); ok {
				row = append(row, v)
			} else {
				row = append(row, nil)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

// priceColumns returns every matrix cell used by recs, by duration then km.
func priceColumns(recs []domain.OfferRecord) []domain.PriceKey {
	seen := map[domain.PriceKey]struct{}{}
	var out []domain.PriceKey
	for _, r := range recs {
		for _, p := range r.Prices {
			if _, ok := seen[p.PriceKey]; !ok {
				seen[p.PriceKey] = struct{}{}
				out = append(out, p.PriceKey)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Months != out[j].Months {
			return out[i].Months < out[j].Months
		}
		return out[i].KmYear < out[j].KmYear
	})
	return out
}

// ColumnName renders a matrix cell header, e.g. "48m/10000km".
func ColumnName(k domain.PriceKey) string {
	return fmt.Sprintf("%dm/%dkm", k.Months, k.KmYear)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
