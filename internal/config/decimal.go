package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal reads prices and volumes from YAML without float rounding. Quote
// values ("0.001") to keep the text exact; bare numbers are accepted too.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" || value.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, raw, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
