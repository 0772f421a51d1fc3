// Package model holds the core trade record shared by ingestion and bar
// construction. All prices and sizes are exact decimals; timestamps are UTC.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the taker side of a trade as reported by the exchange.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// Trade is a single executed trade from an exchange. (Source, TradeID) is
// globally unique and serves as the dedup key throughout the pipeline.
type Trade struct {
	Timestamp time.Time       `db:"timestamp"`
	TradeID   string          `db:"trade_id"`
	Source    string          `db:"source"`
	Pair      string          `db:"pair"`
	Price     decimal.Decimal `db:"price"`
	Size      decimal.Decimal `db:"size"`
	Side      Side            `db:"side"`
}

// DollarVolume returns price * size, the quote-currency value of the trade.
func (t Trade) DollarVolume() decimal.Decimal {
	return t.Price.Mul(t.Size)
}

// Sign returns +1 for buy, -1 for sell, 0 for unknown. A zero sign tells
// downstream consumers to apply the tick rule.
func (t Trade) Sign() int {
	switch t.Side {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}
