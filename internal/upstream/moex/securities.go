package moex

import (
	"context"
	"fmt"
	"net/url"
)

// Security is one instrument row from the securities endpoint. Currency and
// ListLevel come from optional columns; boards that omit them leave the zero
// values for the caller to default.
type Security struct {
	Symbol    string
	ShortName string
	LotSize   int
	MinStep   float64
	Decimals  int
	Currency  string
	ListLevel int
	BoardID   string
}

type securitiesResponse struct {
	Securities table `json:"securities"`
}

// Securities lists instruments traded on a board (e.g. TQBR for the main
// equities board). Reference data flows from here into the tickers table.
func (c *Client) Securities(ctx context.Context, board string) ([]Security, error) {
	if board == "" {
		board = "TQBR"
	}
	query := url.Values{}
	query.Set("iss.meta", "off")

	path := fmt.Sprintf("/engines/stock/markets/shares/boards/%s/securities.json", url.PathEscape(board))

	var resp securitiesResponse
	if err := c.get(ctx, "securities", path, query, &resp); err != nil {
		return nil, err
	}
	return parseSecurities(board, &resp.Securities)
}

func parseSecurities(board string, t *table) ([]Security, error) {
	if len(t.Data) == 0 {
		return nil, nil
	}
	idx := t.index()

	out := make([]Security, 0, len(t.Data))
	for row := range t.Data {
		symbol, err := t.str(idx, row, "secid")
		if err != nil {
			return nil, err
		}
		shortName, err := t.str(idx, row, "shortname")
		if err != nil {
			return nil, err
		}
		lot, err := t.float(idx, row, "lotsize")
		if err != nil {
			return nil, err
		}
		minStep, err := t.float(idx, row, "minstep")
		if err != nil {
			return nil, err
		}
		decimals, err := t.float(idx, row, "decimals")
		if err != nil {
			return nil, err
		}
		listLevel, _ := t.floatOrZero(idx, row, "listlevel")
		out = append(out, Security{
			Symbol:    symbol,
			ShortName: shortName,
			LotSize:   int(lot),
			MinStep:   minStep,
			Decimals:  int(decimals),
			Currency:  t.strOrEmpty(idx, row, "currencyid"),
			ListLevel: int(listLevel),
			BoardID:   board,
		})
	}
	return out, nil
}
