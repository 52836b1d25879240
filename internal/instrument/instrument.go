// Package instrument handles stock symbol parsing and validation of
// instrument reference data before it enters the ledger.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/trade-ledger/internal/model"
)

// Supported listing exchanges.
const (
	ExchangeNYSE   = "NYSE"
	ExchangeNASDAQ = "NASDAQ"
	ExchangeAMEX   = "AMEX"
	ExchangeLSE    = "LSE"
	ExchangeTSE    = "TSE"
)

var validExchanges = map[string]bool{
	ExchangeNYSE:   true,
	ExchangeNASDAQ: true,
	ExchangeAMEX:   true,
	ExchangeLSE:    true,
	ExchangeTSE:    true,
}

// symbolRegex matches: {EXCHANGE:}?{SYMBOL}
// Examples: AAPL, BRK.B, NASDAQ:MSFT
var symbolRegex = regexp.MustCompile(
	`^(?:([A-Z]+):)?([A-Z][A-Z0-9.]{0,9})$`,
)

var (
	ErrInvalidSymbol   = errors.New("instrument: invalid symbol format")
	ErrInvalidExchange = errors.New("instrument: unsupported exchange")
	ErrInvalidPrice    = errors.New("instrument: price must be positive")
	ErrMissingName     = errors.New("instrument: name is required")
)

// Ref is a parsed symbol reference. Exchange is empty when the symbol was
// not qualified.
type Ref struct {
	Exchange string `json:"exchange,omitempty"`
	Symbol   string `json:"symbol"`
}

// String returns the qualified form when an exchange is known.
func (r Ref) String() string {
	if r.Exchange == "" {
		return r.Symbol
	}
	return r.Exchange + ":" + r.Symbol
}

// ParseSymbol parses and validates a symbol, optionally qualified with its
// exchange. Input is upper-cased and trimmed first.
// Format: [EXCHANGE:]SYMBOL
func ParseSymbol(s string) (Ref, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return Ref{}, fmt.Errorf("%w: %q (expected [EXCHANGE:]SYMBOL)", ErrInvalidSymbol, s)
	}

	exchange := matches[1]
	if exchange != "" && !validExchanges[exchange] {
		return Ref{}, fmt.Errorf("%w: %s", ErrInvalidExchange, exchange)
	}

	return Ref{Exchange: exchange, Symbol: matches[2]}, nil
}

// Validate checks instrument reference data and normalizes its symbol and
// exchange in place. A qualified symbol fills in an empty exchange.
func Validate(inst *model.Instrument) error {
	ref, err := ParseSymbol(inst.Symbol)
	if err != nil {
		return err
	}

	exchange := strings.ToUpper(strings.TrimSpace(inst.Exchange))
	switch {
	case exchange == "":
		exchange = ref.Exchange
	case ref.Exchange != "" && ref.Exchange != exchange:
		return fmt.Errorf("%w: symbol says %s, exchange says %s", ErrInvalidExchange, ref.Exchange, exchange)
	}
	if !validExchanges[exchange] {
		return fmt.Errorf("%w: %q", ErrInvalidExchange, exchange)
	}

	if strings.TrimSpace(inst.Name) == "" {
		return ErrMissingName
	}
	if !inst.CurrentPrice.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, inst.CurrentPrice)
	}

	inst.Symbol = ref.Symbol
	inst.Exchange = exchange
	return nil
}

// Exchanges returns the supported exchange codes.
func Exchanges() []string {
	return []string{ExchangeNYSE, ExchangeNASDAQ, ExchangeAMEX, ExchangeLSE, ExchangeTSE}
}
