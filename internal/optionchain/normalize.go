// Package optionchain turns raw per-strike broker payloads into a canonical,
// strike-sorted option chain.
package optionchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// RawRecord is one strike as the broker sends it. Leg fields may be JSON
// numbers or numeric strings.
type RawRecord struct {
	StrikePrice any            `json:"strikePrice"`
	CE          map[string]any `json:"CE,omitempty"`
	PE          map[string]any `json:"PE,omitempty"`
}

// Entry is one normalized strike row.
type Entry struct {
	Strike           float64 `json:"strike"`
	CallPrice        float64 `json:"call_price"`
	CallChange       float64 `json:"call_change"`
	CallOpenInterest float64 `json:"call_open_interest"`
	CallImpliedVol   float64 `json:"call_implied_vol"`
	PutPrice         float64 `json:"put_price"`
	PutChange        float64 `json:"put_change"`
	PutOpenInterest  float64 `json:"put_open_interest"`
	PutImpliedVol    float64 `json:"put_implied_vol"`
}

var (
	priceKeys  = []string{"lastPrice", "ltp"}
	changeKeys = []string{"change", "netChange"}
	oiKeys     = []string{"openInterest", "oi"}
	ivKeys     = []string{"impliedVolatility", "iv"}
)

// Normalize drops records without a usable strike, defaults missing leg
// fields to zero, keeps the last record seen for a repeated strike and
// returns the entries sorted ascending by strike. It has no side effects.
func Normalize(raw []RawRecord) []Entry {
	byStrike := make(map[float64]Entry, len(raw))
	for _, r := range raw {
		strike, ok := number(r.StrikePrice)
		if !ok {
			continue
		}
		byStrike[strike] = Entry{
			Strike:           strike,
			CallPrice:        field(r.CE, priceKeys),
			CallChange:       field(r.CE, changeKeys),
			CallOpenInterest: field(r.CE, oiKeys),
			CallImpliedVol:   field(r.CE, ivKeys),
			PutPrice:         field(r.PE, priceKeys),
			PutChange:        field(r.PE, changeKeys),
			PutOpenInterest:  field(r.PE, oiKeys),
			PutImpliedVol:    field(r.PE, ivKeys),
		}
	}

	entries := make([]Entry, 0, len(byStrike))
	for _, e := range byStrike {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Strike < entries[j].Strike })
	return entries
}

// Decode reads an option-chain payload. Both the broker envelope
// {"status":..,"data":[...]} and a bare array are accepted.
func Decode(payload []byte) ([]RawRecord, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty option chain payload")
	}

	var records []RawRecord
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode option chain array: %w", err)
		}
		return records, nil
	}

	var envelope struct {
		Status  *bool           `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode option chain envelope: %w", err)
	}
	if envelope.Status != nil && !*envelope.Status {
		return nil, fmt.Errorf("option chain rejected: %s", envelope.Message)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode option chain data: %w", err)
	}
	return records, nil
}

func field(leg map[string]any, keys []string) float64 {
	for _, k := range keys {
		if v, ok := leg[k]; ok {
			if f, ok := number(v); ok {
				return f
			}
			return 0
		}
	}
	return 0
}

// number parses JSON numbers and numeric strings; NaN and Inf are rejected.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
