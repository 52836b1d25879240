// Package seed loads reference data (accounts, instruments and opening
// positions) from a YAML fixture into a store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/trade-ledger/internal/instrument"
	"github.com/atmx/trade-ledger/internal/model"
	"github.com/atmx/trade-ledger/internal/store"
)

// File is the fixture layout.
type File struct {
	Accounts    []Account    `yaml:"accounts"`
	Instruments []Instrument `yaml:"instruments"`
	Positions   []Position   `yaml:"positions"`
}

type Account struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	CashBalance decimal.Decimal `yaml:"cash_balance"`
	Status      string          `yaml:"status"`
}

type Instrument struct {
	ID           string          `yaml:"id"`
	Symbol       string          `yaml:"symbol"`
	Name         string          `yaml:"name"`
	CurrentPrice decimal.Decimal `yaml:"current_price"`
	Sector       string          `yaml:"sector"`
	Exchange     string          `yaml:"exchange"`
}

// Position references its account by id and its instrument by id or symbol.
type Position struct {
	Account      string          `yaml:"account"`
	Instrument   string          `yaml:"instrument"`
	Quantity     int64           `yaml:"quantity"`
	AveragePrice decimal.Decimal `yaml:"average_price"`
}

// Result counts what Apply wrote and what already existed.
type Result struct {
	Accounts    int
	Instruments int
	Positions   int
	Skipped     int
}

// LoadFile reads and parses a fixture from disk.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a fixture. Unknown keys are rejected.
func Decode(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return &file, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &file, nil
}

// Apply writes the fixture into st. Rows that already exist are skipped so a
// fixture can be applied on every start against a persistent store.
func (f *File) Apply(ctx context.Context, st store.Store, logger *slog.Logger) (Result, error) {
	var res Result
	now := time.Now().UTC()

	for _, a := range f.Accounts {
		acct, err := a.toModel(now)
		if err != nil {
			return res, err
		}
		if err := st.CreateAccount(ctx, acct); err != nil {
			if errors.Is(err, model.ErrAlreadyExists) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("seed account %s: %w", acct.ID, err)
		}
		res.Accounts++
	}

	for _, i := range f.Instruments {
		inst := i.toModel()
		if err := instrument.Validate(inst); err != nil {
			return res, fmt.Errorf("seed instrument %s: %w", i.Symbol, err)
		}
		if err := st.CreateInstrument(ctx, inst); err != nil {
			if errors.Is(err, model.ErrAlreadyExists) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("seed instrument %s: %w", inst.Symbol, err)
		}
		res.Instruments++
	}

	for _, p := range f.Positions {
		instID, err := resolveInstrument(ctx, st, p.Instrument)
		if err != nil {
			return res, fmt.Errorf("seed position %s/%s: %w", p.Account, p.Instrument, err)
		}
		pos := &model.Position{
			AccountID:    p.Account,
			InstrumentID: instID,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			UpdatedAt:    now,
		}
		if err := st.SeedPosition(ctx, pos); err != nil {
			if errors.Is(err, model.ErrAlreadyExists) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("seed position %s/%s: %w", p.Account, p.Instrument, err)
		}
		res.Positions++
	}

	logger.Info("seed applied",
		"accounts", res.Accounts,
		"instruments", res.Instruments,
		"positions", res.Positions,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (a Account) toModel(now time.Time) (*model.Account, error) {
	if a.ID == "" {
		return nil, fmt.Errorf("seed account %q: id is required", a.Name)
	}
	status := model.AccountStatus(a.Status)
	if a.Status == "" {
		status = model.AccountActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("seed account %s: unknown status %q", a.ID, a.Status)
	}
	if a.CashBalance.IsNegative() {
		return nil, fmt.Errorf("seed account %s: negative cash balance", a.ID)
	}
	return &model.Account{
		ID:          a.ID,
		Name:        a.Name,
		CashBalance: a.CashBalance,
		Status:      status,
		CreatedAt:   now,
	}, nil
}

func (i Instrument) toModel() *model.Instrument {
	id := i.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &model.Instrument{
		ID:           id,
		Symbol:       i.Symbol,
		Name:         i.Name,
		CurrentPrice: i.CurrentPrice,
		Sector:       i.Sector,
		Exchange:     i.Exchange,
	}
}

// resolveInstrument accepts either an instrument id or a symbol.
func resolveInstrument(ctx context.Context, st store.Store, ref string) (string, error) {
	if inst, err := st.GetInstrument(ctx, ref); err == nil {
		return inst.ID, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return "", err
	}
	r, err := instrument.ParseSymbol(ref)
	if err != nil {
		return "", err
	}
	inst, err := st.GetInstrumentBySymbol(ctx, r.Symbol)
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}
