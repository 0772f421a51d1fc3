package bars

import (
	"github.com/shopspring/decimal"
)

// Metadata keys for EWMA state persisted in bar metadata. The bar table is
// the single authority for adaptive-threshold state: a warm restart reads
// the most recent bar of the family and restores the estimator from these.
const (
	metaEWMAExpected  = "ewma_expected"
	metaEWMAWindow    = "ewma_window"
	metaEWMABarCount  = "ewma_bar_count"
	metaLastTradeSign = "last_trade_sign"
)

// ewma tracks the expected absolute imbalance (or max run) across emitted
// bars. Float arithmetic is fine here: this is a statistical estimate, not
// part of the decimal trade-to-bar path.
type ewma struct {
	window   int
	expected float64
	barCount int64
}

func newEWMA(window int) *ewma {
	return &ewma{window: window}
}

// update incorporates the realized statistic of a just-emitted bar.
// The first observation seeds the estimate directly; afterwards
// E = alpha*x + (1-alpha)*E with alpha = 2/(W+1).
func (e *ewma) update(x float64) {
	if e.barCount == 0 {
		e.expected = x
	} else {
		alpha := 2.0 / float64(e.window+1)
		e.expected = alpha*x + (1.0-alpha)*e.expected
	}
	e.barCount++
}

// crossed reports whether a realized magnitude meets the emission
// threshold. Before any bar has been emitted there is no estimate, so the
// builder emits as soon as any signal appears to form the seed.
func (e *ewma) crossed(magnitude float64) bool {
	if e.barCount == 0 {
		return magnitude > 0
	}
	return magnitude >= e.expected
}

// metadata serializes estimator state plus the tick-rule carry sign for
// the bar's JSONB column.
func (e *ewma) metadata(lastSign int) map[string]any {
	return map[string]any{
		metaEWMAExpected:  e.expected,
		metaEWMAWindow:    e.window,
		metaEWMABarCount:  e.barCount,
		metaLastTradeSign: lastSign,
	}
}

// restore loads estimator state from bar metadata. Values arrive as
// float64 after a JSON round trip, but direct ints are tolerated for
// callers that hand the map back without serialization.
func (e *ewma) restore(meta map[string]any) {
	if v, ok := metaNumber(meta[metaEWMAExpected]); ok {
		e.expected = v
	}
	if v, ok := metaNumber(meta[metaEWMAWindow]); ok && int(v) > 0 {
		e.window = int(v)
	}
	if v, ok := metaNumber(meta[metaEWMABarCount]); ok {
		e.barCount = int64(v)
	}
}

func metaNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// tickRule infers trade direction from price movement: +1 on an uptick,
// -1 on a downtick, carry the previous sign on an equal print.
func tickRule(price, prevPrice decimal.Decimal, prevSign int) int {
	switch price.Cmp(prevPrice) {
	case 1:
		return 1
	case -1:
		return -1
	}
	return prevSign
}

// signTracker resolves per-trade direction, falling back to the tick rule
// when the exchange reports no side. The initial carry is +1.
type signTracker struct {
	prevPrice decimal.Decimal
	hasPrev   bool
	prevSign  int
}

func newSignTracker() signTracker {
	return signTracker{prevSign: 1}
}

func (s *signTracker) resolve(price decimal.Decimal, reported int) int {
	sign := reported
	if sign == 0 && s.hasPrev {
		sign = tickRule(price, s.prevPrice, s.prevSign)
	}
	if s.hasPrev && sign != 0 {
		s.prevSign = sign
	}
	s.prevPrice = price
	s.hasPrev = true
	if sign == 0 {
		return s.prevSign
	}
	return sign
}

// restoreSign seeds the tick-rule carry from persisted bar metadata.
func (s *signTracker) restoreSign(meta map[string]any) {
	if v, ok := metaNumber(meta[metaLastTradeSign]); ok && v != 0 {
		s.prevSign = int(v)
	}
}
