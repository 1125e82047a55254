// Package price implements the Price Table: per-model USD pricing used
// to attribute a cost to each usage record.
package price

import (
	"encoding/json"
	"os"
	"strings"
)

// ModelPrice is the per-million-token pricing for one model.
type ModelPrice struct {
	DisplayName           string  `json:"display_name"`
	InputPricePerMillion  float64 `json:"input_price_per_million"`
	OutputPricePerMillion float64 `json:"output_price_per_million"`
}

// Table is a loaded price list plus its currency label.
type Table struct {
	Models   map[string]ModelPrice `json:"models"`
	Currency string                `json:"currency"`
}

// DefaultTable returns the built-in pricing, current as of the Claude 3
// through 4.5 model families.
func DefaultTable() *Table {
	return &Table{
		Currency: "USD",
		Models: map[string]ModelPrice{
			"claude-sonnet-4-20250514":     {"Claude Sonnet 4", 3.0, 15.0},
			"claude-opus-4-20250514":       {"Claude Opus 4", 15.0, 75.0},
			"claude-opus-4-5-20251101":     {"Claude Opus 4.5", 15.0, 75.0},
			"claude-sonnet-4-5-20250929":   {"Claude Sonnet 4.5", 3.0, 15.0},
			"claude-haiku-4-5-20251001":    {"Claude Haiku 4.5", 0.8, 4.0},
			"claude-sonnet-4.5":            {"Claude Sonnet 4.5", 3.0, 15.0},
			"claude-opus-4.5":              {"Claude Opus 4.5", 15.0, 75.0},
			"claude-haiku-4.5":             {"Claude Haiku 4.5", 0.8, 4.0},
			"claude-3-5-sonnet":            {"Claude 3.5 Sonnet", 3.0, 15.0},
			"claude-3-5-haiku":             {"Claude 3.5 Haiku", 0.8, 4.0},
			"claude-3-opus":                {"Claude 3 Opus", 15.0, 75.0},
			"claude-3-sonnet":              {"Claude 3 Sonnet", 3.0, 15.0},
			"claude-3-haiku":               {"Claude 3 Haiku", 0.25, 1.25},
		},
	}
}

// Load reads a price table from path, falling back to DefaultTable if
// the file does not exist. The file is optional.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultTable(), nil
	}
	if err != nil {
		return nil, err
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Lookup resolves model to its price entry. It tries an exact match
// first; failing that, it falls back to the longest stored key that has
// model as a prefix, a deterministic tie-break for dated model aliases
// that share a prefix with their base entry.
func (t *Table) Lookup(model string) (ModelPrice, bool) {
	if p, ok := t.Models[model]; ok {
		return p, true
	}
	var best string
	var bestPrice ModelPrice
	found := false
	for key, p := range t.Models {
		if strings.HasPrefix(key, model) && len(key) > len(best) {
			best = key
			bestPrice = p
			found = true
		}
	}
	return bestPrice, found
}

// CalculateCost returns the USD cost of a request, or 0 if model is not
// in the table.
func (t *Table) CalculateCost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.InputPricePerMillion + float64(outputTokens)*p.OutputPricePerMillion) / 1_000_000
}
