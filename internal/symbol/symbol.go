// Package symbol handles stock ticker normalisation and validation, and
// parsing of the stock seed list used to populate reference data.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/strader/order-engine/internal/model"
)

// MaxNameLen is the longest stock name accepted.
const MaxNameLen = 50

// codeRegex matches 1-10 character tickers such as AAPL, BRK.B or RDS-A.
var codeRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var (
	ErrInvalidCode = errors.New("symbol: invalid stock code")
	ErrInvalidName = errors.New("symbol: invalid stock name")
)

// NormalizeCode upper-cases and trims a ticker without validating it.
// Lookups use it so that "goog" and "GOOG" address the same stock.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ParseCode normalises and validates a ticker.
func ParseCode(raw string) (string, error) {
	code := NormalizeCode(raw)
	if !codeRegex.MatchString(code) {
		return "", fmt.Errorf("%w: %q (expected 1-10 chars, letters first)", ErrInvalidCode, raw)
	}
	return code, nil
}

// ParseStock validates a code/name pair into a Stock.
func ParseStock(code, name string) (*model.Stock, error) {
	c, err := ParseCode(code)
	if err != nil {
		return nil, err
	}
	n := strings.TrimSpace(name)
	if n == "" || utf8.RuneCountInString(n) > MaxNameLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return &model.Stock{Code: c, Name: n}, nil
}

// ParseSeed parses a comma-separated CODE:Name list, e.g.
// "AAPL:Apple Inc.,GOOG:Alphabet Inc.". An empty string yields no stocks.
func ParseSeed(raw string) ([]model.Stock, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var stocks []model.Stock
	seen := make(map[string]bool)
	for _, item := range strings.Split(raw, ",") {
		code, name, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("%w: seed entry %q missing ':'", ErrInvalidCode, item)
		}
		st, err := ParseStock(code, name)
		if err != nil {
			return nil, err
		}
		if seen[st.Code] {
			continue
		}
		seen[st.Code] = true
		stocks = append(stocks, *st)
	}
	return stocks, nil
}
