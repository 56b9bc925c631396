package moex

import (
	"fmt"
	"strings"
	"time"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
)

// table is the ISS "columns + data" matrix every endpoint returns. Column
// order is not contractual, so lookups go through the name index.
type table struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

func (t *table) index() map[string]int {
	idx := make(map[string]int, len(t.Columns))
	for i, name := range t.Columns {
		idx[strings.ToLower(name)] = i
	}
	return idx
}

// cell returns the raw value at (row, column name), or an error when the
// column is missing. Rows shorter than the header are malformed.
func (t *table) cell(idx map[string]int, row int, name string) (any, error) {
	col, ok := idx[name]
	if !ok {
		return nil, errs.Fatalf("upstream response lacks column %q", name)
	}
	if col >= len(t.Data[row]) {
		return nil, errs.Fatalf("upstream row %d shorter than header", row)
	}
	return t.Data[row][col], nil
}

func (t *table) float(idx map[string]int, row int, name string) (float64, error) {
	v, err := t.cell(idx, row, name)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errs.Fatalf("upstream column %q row %d: expected number, got %T", name, row, v)
	}
	return f, nil
}

// floatOrZero tolerates null cells, which ISS emits for missing turnover.
func (t *table) floatOrZero(idx map[string]int, row int, name string) (float64, bool) {
	v, err := t.cell(idx, row, name)
	if err != nil || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// strOrEmpty tolerates absent columns and null cells; board metadata varies
// between ISS engine versions.
func (t *table) strOrEmpty(idx map[string]int, row int, name string) string {
	v, err := t.cell(idx, row, name)
	if err != nil || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (t *table) str(idx map[string]int, row int, name string) (string, error) {
	v, err := t.cell(idx, row, name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.Fatalf("upstream column %q row %d: expected string, got %T", name, row, v)
	}
	return s, nil
}

// beginLayout is the upstream candle timestamp format, wall-clock Moscow.
const beginLayout = "2006-01-02 15:04:05"

func (t *table) moscowTime(idx map[string]int, row int, name string) (time.Time, error) {
	s, err := t.str(idx, row, name)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := time.ParseInLocation(beginLayout, s, market.Moscow())
	if err != nil {
		return time.Time{}, errs.FatalWrap(err, fmt.Sprintf("parse upstream %s %q", name, s))
	}
	return parsed, nil
}
