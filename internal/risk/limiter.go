// Package risk implements exposure limits that group an account's holdings
// by market sector.
//
// A customer buying into many instruments of the same sector carries
// concentrated risk even when each single holding is small. The limiter sums
// position value per sector and rejects buys that would push a sector, or the
// whole book, beyond its configured maximum.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/model"
)

var (
	// ErrSectorLimitExceeded is returned when a trade would push the exposure
	// in one sector beyond the per-sector maximum.
	ErrSectorLimitExceeded = errors.New("risk: sector exposure limit exceeded")

	// ErrGrossLimitExceeded is returned when a trade would push the total
	// exposure across all sectors beyond the gross maximum.
	ErrGrossLimitExceeded = errors.New("risk: gross exposure limit exceeded")
)

// SectorLimiter enforces exposure limits per sector and across the book.
// A zero limit disables that check.
type SectorLimiter struct {
	// MaxPerSector is the maximum position value held in any single sector.
	MaxPerSector decimal.Decimal

	// MaxGross is the maximum position value across all sectors.
	MaxGross decimal.Decimal
}

// NewSectorLimiter creates a limiter with the given per-sector and gross
// exposure limits. Negative limits are treated as disabled.
func NewSectorLimiter(maxPerSector, maxGross decimal.Decimal) *SectorLimiter {
	if maxPerSector.IsNegative() {
		maxPerSector = decimal.Zero
	}
	if maxGross.IsNegative() {
		maxGross = decimal.Zero
	}
	return &SectorLimiter{
		MaxPerSector: maxPerSector,
		MaxGross:     maxGross,
	}
}

// Enabled reports whether any limit is configured.
func (l *SectorLimiter) Enabled() bool {
	return l != nil && (l.MaxPerSector.IsPositive() || l.MaxGross.IsPositive())
}

// CheckLimit validates whether a trade respects exposure limits.
//
// Parameters:
//   - sector: sector of the instrument being traded
//   - exposureDelta: signed change in exposure (+BUY / -SELL value)
//   - existingExposures: map of sector → current position value for this account
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *SectorLimiter) CheckLimit(
	sector string,
	exposureDelta decimal.Decimal,
	existingExposures map[string]decimal.Decimal,
) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-sector limit.
	newSector := existingExposures[sector].Add(exposureDelta)
	if l.MaxPerSector.IsPositive() && newSector.GreaterThan(l.MaxPerSector) {
		return ErrSectorLimitExceeded
	}

	// 2. Gross exposure across every sector.
	gross := newSector
	for s, exposure := range existingExposures {
		if s == sector {
			continue // already counted via newSector above
		}
		gross = gross.Add(exposure)
	}
	if l.MaxGross.IsPositive() && gross.GreaterThan(l.MaxGross) {
		return ErrGrossLimitExceeded
	}

	return nil
}

// Exposures sums position cost basis by sector. Positions whose instrument
// is missing from sectors are grouped under the empty sector.
func Exposures(positions []model.Position, sectors map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		s := sectors[p.InstrumentID]
		out[s] = out[s].Add(p.Value())
	}
	return out
}
