package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewSectorLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("Technology", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_SectorExceeded(t *testing.T) {
	limiter := NewSectorLimiter(d(1000), d(5000))

	// Existing exposure of 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{
		"Technology": d(950),
	}

	err := limiter.CheckLimit("Technology", d(100), existing)
	if err != ErrSectorLimitExceeded {
		t.Errorf("expected ErrSectorLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_SectorNotExceeded(t *testing.T) {
	limiter := NewSectorLimiter(d(1000), d(5000))

	existing := map[string]decimal.Decimal{
		"Technology": d(500),
	}

	err := limiter.CheckLimit("Technology", d(100), existing)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_GrossExceeded(t *testing.T) {
	limiter := NewSectorLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"Technology": d(800),
		"Energy":     d(800),
		"Finance":    d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("Healthcare", d(200), existing)
	if err != ErrGrossLimitExceeded {
		t.Errorf("expected ErrGrossLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherSectorsDoNotCountPerSector(t *testing.T) {
	limiter := NewSectorLimiter(d(1000), decimal.Zero)

	existing := map[string]decimal.Decimal{
		"Technology": d(800),
		"Energy":     d(900),
	}

	// Technology = 800 + 150 = 950 < 1000; Energy is a separate bucket.
	err := limiter.CheckLimit("Technology", d(150), existing)
	if err != nil {
		t.Errorf("other sectors should be ignored, got %v", err)
	}
}

func TestCheckLimit_SellReducesExposure(t *testing.T) {
	limiter := NewSectorLimiter(d(1000), d(5000))

	existing := map[string]decimal.Decimal{
		"Technology": d(1200),
	}

	// Selling (negative delta) brings the sector back under: 1200 - 300 = 900.
	err := limiter.CheckLimit("Technology", d(-300), existing)
	if err != nil {
		t.Errorf("sell should reduce exposure, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	limiter := NewSectorLimiter(decimal.Zero, decimal.Zero)
	if limiter.Enabled() {
		t.Fatal("zero limits should disable the limiter")
	}

	existing := map[string]decimal.Decimal{"Technology": d(1e9)}
	if err := limiter.CheckLimit("Technology", d(1e9), existing); err != nil {
		t.Errorf("disabled limiter should accept everything, got %v", err)
	}

	var nilLimiter *SectorLimiter
	if err := nilLimiter.CheckLimit("Technology", d(1), nil); err != nil {
		t.Errorf("nil limiter should accept everything, got %v", err)
	}
}

func TestCheckLimit_NilExposures(t *testing.T) {
	limiter := NewSectorLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("Technology", d(500), nil)
	if err != nil {
		t.Errorf("nil exposures should be treated as empty, got %v", err)
	}
}

func TestExposures_GroupsBySector(t *testing.T) {
	positions := []model.Position{
		{InstrumentID: "aapl", Quantity: 10, AveragePrice: d(150)},
		{InstrumentID: "msft", Quantity: 5, AveragePrice: d(300)},
		{InstrumentID: "xom", Quantity: 20, AveragePrice: d(100)},
	}
	sectors := map[string]string{
		"aapl": "Technology",
		"msft": "Technology",
		"xom":  "Energy",
	}

	got := Exposures(positions, sectors)

	if !got["Technology"].Equal(d(3000)) {
		t.Errorf("Technology: expected 3000, got %s", got["Technology"])
	}
	if !got["Energy"].Equal(d(2000)) {
		t.Errorf("Energy: expected 2000, got %s", got["Energy"])
	}
}
