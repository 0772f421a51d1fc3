// Package bars transforms raw trades into sampled bars. Ten builder
// families share one accumulator: four fixed-threshold (time, tick,
// volume, dollar) and six information-driven (imbalance and run bars
// with EWMA-adaptive thresholds).
package bars

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/arcana-io/arcana/internal/model"
)

// Bar is a single completed bar with OHLCV and auxiliary data. Metadata
// carries builder-specific state (EWMA estimator for information-driven
// families) and is nil for the standard families.
type Bar struct {
	TimeStart    time.Time
	TimeEnd      time.Time
	BarType      string
	Source       string
	Pair         string
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	VWAP         decimal.Decimal
	Volume       decimal.Decimal
	DollarVolume decimal.Decimal
	TickCount    int64
	TimeSpan     time.Duration
	Metadata     map[string]any
}

// Accumulator tracks running OHLCV state while building a single bar.
// Feed trades in via Add; when the bar is complete call ToBar and Reset.
type Accumulator struct {
	timeStart    time.Time
	timeEnd      time.Time
	open         decimal.Decimal
	high         decimal.Decimal
	low          decimal.Decimal
	close        decimal.Decimal
	volume       decimal.Decimal
	dollarVolume decimal.Decimal
	vwapNum      decimal.Decimal
	tickCount    int64
}

// Add incorporates a trade into the running accumulation.
func (a *Accumulator) Add(t model.Trade) {
	if a.tickCount == 0 {
		a.timeStart = t.Timestamp
		a.open = t.Price
		a.high = t.Price
		a.low = t.Price
	} else {
		if t.Price.GreaterThan(a.high) {
			a.high = t.Price
		}
		if t.Price.LessThan(a.low) {
			a.low = t.Price
		}
	}
	a.timeEnd = t.Timestamp
	a.close = t.Price

	dv := t.DollarVolume()
	a.volume = a.volume.Add(t.Size)
	a.dollarVolume = a.dollarVolume.Add(dv)
	a.vwapNum = a.vwapNum.Add(dv)
	a.tickCount++
}

// Empty reports whether no trades have been accumulated.
func (a *Accumulator) Empty() bool { return a.tickCount == 0 }

// TickCount returns the number of trades accumulated so far.
func (a *Accumulator) TickCount() int64 { return a.tickCount }

// Volume returns the accumulated base-currency volume.
func (a *Accumulator) Volume() decimal.Decimal { return a.volume }

// DollarVolume returns the accumulated quote-currency volume.
func (a *Accumulator) DollarVolume() decimal.Decimal { return a.dollarVolume }

// TimeStart returns the timestamp of the first accumulated trade.
// Only meaningful when the accumulator is non-empty.
func (a *Accumulator) TimeStart() time.Time { return a.timeStart }

// ToBar produces a completed Bar from the accumulated state. VWAP is
// divided out only here so no running-division drift can creep in.
// The accumulator must be non-empty.
func (a *Accumulator) ToBar(barType, source, pair string, metadata map[string]any) Bar {
	vwap := a.close
	if a.volume.IsPositive() {
		vwap = a.vwapNum.Div(a.volume)
	}
	return Bar{
		TimeStart:    a.timeStart,
		TimeEnd:      a.timeEnd,
		BarType:      barType,
		Source:       source,
		Pair:         pair,
		Open:         a.open,
		High:         a.high,
		Low:          a.low,
		Close:        a.close,
		VWAP:         vwap,
		Volume:       a.volume,
		DollarVolume: a.dollarVolume,
		TickCount:    a.tickCount,
		TimeSpan:     a.timeEnd.Sub(a.timeStart),
		Metadata:     metadata,
	}
}

// Reset clears the accumulator back to empty.
func (a *Accumulator) Reset() { *a = Accumulator{} }
