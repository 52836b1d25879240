// Package validator checks a proposed order against a snapshot of the
// account, instrument and position it touches. It never changes state.
package validator

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/model"
	"github.com/atmx/trade-ledger/internal/risk"
)

// Snapshot is the state an order is checked against.
type Snapshot struct {
	Account    *model.Account
	Instrument *model.Instrument
	// Position is nil when the account holds none of the instrument.
	Position *model.Position
	// Exposures maps sector → position value for the account. Only read
	// when a sector limiter is configured.
	Exposures map[string]decimal.Decimal
}

// Validator runs the order checks. The zero value is usable and applies no
// sector limit.
type Validator struct {
	limiter *risk.SectorLimiter
}

// New creates a Validator. limiter may be nil.
func New(limiter *risk.SectorLimiter) *Validator {
	return &Validator{limiter: limiter}
}

// NeedsExposures reports whether Validate reads Snapshot.Exposures, so
// callers can skip loading positions they would not use.
func (v *Validator) NeedsExposures() bool {
	return v != nil && v.limiter.Enabled()
}

// Validate returns nil when the order is acceptable, or a
// *model.ValidationError naming the first failed check.
func (v *Validator) Validate(o *model.Order, snap Snapshot) error {
	if snap.Account.Status != model.AccountActive {
		return model.NewValidationError(model.ReasonAccountInactive,
			"account %s is %s", snap.Account.ID, snap.Account.Status)
	}
	if o.Quantity <= 0 {
		return model.NewValidationError(model.ReasonNonPositiveQuantity,
			"quantity must be positive, got %d", o.Quantity)
	}
	if o.LimitPrice.Valid && !o.LimitPrice.Decimal.IsPositive() {
		return model.NewValidationError(model.ReasonInvalidLimitPrice,
			"limit price must be positive, got %s", o.LimitPrice.Decimal)
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(o.CreatedAt) {
		return model.NewValidationError(model.ReasonInvalidExpiration,
			"expiration %s is not after creation %s", o.ExpiresAt.Format(time.RFC3339), o.CreatedAt.Format(time.RFC3339))
	}

	price := o.EffectivePrice(snap.Instrument.CurrentPrice)
	cost := price.Mul(decimal.NewFromInt(o.Quantity))

	switch o.Side {
	case model.SideBuy:
		if snap.Account.CashBalance.LessThan(cost) {
			return model.NewValidationError(model.ReasonInsufficientFunds,
				"need %s, have %s", cost, snap.Account.CashBalance)
		}
		if snap.Position != nil && snap.Position.Quantity > math.MaxInt64-o.Quantity {
			return model.NewValidationError(model.ReasonPositionOverflow,
				"holding %d more shares on top of %d overflows the position", o.Quantity, snap.Position.Quantity)
		}
		if v.NeedsExposures() {
			if err := v.limiter.CheckLimit(snap.Instrument.Sector, cost, snap.Exposures); err != nil {
				return model.NewValidationError(model.ReasonSectorLimit,
					"%s: sector %q", err, snap.Instrument.Sector)
			}
		}
	case model.SideSell:
		var held int64
		if snap.Position != nil {
			held = snap.Position.Quantity
		}
		if held < o.Quantity {
			return model.NewValidationError(model.ReasonInsufficientShares,
				"need %d shares, have %d", o.Quantity, held)
		}
	default:
		return model.NewValidationError(model.ReasonInvalidRequest,
			"unknown side %q", o.Side)
	}

	return nil
}
