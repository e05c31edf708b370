package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/billing/pkg/billing"
)

// planFile is the on-disk seed format. Amounts are major units
// ("29.99" USD) and converted to the provider's minor units.
type planFile struct {
	Plans []planEntry `json:"plans"`
}

type planEntry struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Interval      string          `json:"interval"`
	IntervalCount int64           `json:"interval_count"`
	Features      []string        `json:"features"`
}

// zeroDecimalCurrencies are charged in whole units.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// minorUnits converts a major-unit amount, refusing fractions the
// currency cannot represent.
func minorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp := int32(2)
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		exp = 0
	}
	scaled := amount.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount, strings.ToUpper(currency))
	}
	if !scaled.IsPositive() {
		return 0, fmt.Errorf("amount %s must be positive", amount)
	}
	return scaled.IntPart(), nil
}

func readDefinitions(r io.Reader) ([]billing.PlanDefinition, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var file planFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, errors.New("plan file lists no plans")
	}

	defs := make([]billing.PlanDefinition, 0, len(file.Plans))
	for i, p := range file.Plans {
		amount, err := minorUnits(p.Amount, p.Currency)
		if err != nil {
			return nil, fmt.Errorf("plan %d (%s): %w", i, p.Name, err)
		}
		count := p.IntervalCount
		if count == 0 {
			count = 1
		}
		defs = append(defs, billing.PlanDefinition{
			Name:          p.Name,
			Description:   p.Description,
			Amount:        amount,
			Currency:      strings.ToLower(p.Currency),
			Interval:      billing.Interval(strings.ToLower(p.Interval)),
			IntervalCount: count,
			Features:      p.Features,
		})
	}
	return defs, nil
}
