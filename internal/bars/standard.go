package bars

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arcana-io/arcana/internal/model"
)

// Compile-time interface checks.
var (
	_ Builder = (*TickBuilder)(nil)
	_ Builder = (*VolumeBuilder)(nil)
	_ Builder = (*DollarBuilder)(nil)
	_ Builder = (*TimeBuilder)(nil)
)

// base carries the state shared by every builder: identity plus the
// running accumulator.
type base struct {
	source string
	pair   string
	acc    Accumulator
}

func (b *base) emit(barType string, metadata map[string]any) *Bar {
	bar := b.acc.ToBar(barType, b.source, b.pair, metadata)
	b.acc.Reset()
	return &bar
}

func (b *base) flush(barType string, metadata map[string]any) *Bar {
	if b.acc.Empty() {
		return nil
	}
	return b.emit(barType, metadata)
}

// TickBuilder emits a bar every N trades.
type TickBuilder struct {
	base
	threshold int64
}

func NewTickBuilder(source, pair string, threshold int64) *TickBuilder {
	return &TickBuilder{base: base{source: source, pair: pair}, threshold: threshold}
}

func (b *TickBuilder) BarType() string { return fmt.Sprintf("tick_%d", b.threshold) }

func (b *TickBuilder) ProcessTrade(t model.Trade) *Bar {
	b.acc.Add(t)
	if b.acc.TickCount() >= b.threshold {
		return b.emit(b.BarType(), nil)
	}
	return nil
}

func (b *TickBuilder) Flush() *Bar { return b.flush(b.BarType(), nil) }

func (b *TickBuilder) RestoreState(map[string]any) {}

// VolumeBuilder emits a bar every V units of base-currency volume.
type VolumeBuilder struct {
	base
	threshold decimal.Decimal
}

func NewVolumeBuilder(source, pair string, threshold decimal.Decimal) *VolumeBuilder {
	return &VolumeBuilder{base: base{source: source, pair: pair}, threshold: threshold}
}

func (b *VolumeBuilder) BarType() string { return "volume_" + b.threshold.String() }

func (b *VolumeBuilder) ProcessTrade(t model.Trade) *Bar {
	b.acc.Add(t)
	if b.acc.Volume().GreaterThanOrEqual(b.threshold) {
		return b.emit(b.BarType(), nil)
	}
	return nil
}

func (b *VolumeBuilder) Flush() *Bar { return b.flush(b.BarType(), nil) }

func (b *VolumeBuilder) RestoreState(map[string]any) {}

// DollarBuilder emits a bar every D units of quote-currency volume.
type DollarBuilder struct {
	base
	threshold decimal.Decimal
}

func NewDollarBuilder(source, pair string, threshold decimal.Decimal) *DollarBuilder {
	return &DollarBuilder{base: base{source: source, pair: pair}, threshold: threshold}
}

func (b *DollarBuilder) BarType() string { return "dollar_" + b.threshold.String() }

func (b *DollarBuilder) ProcessTrade(t model.Trade) *Bar {
	b.acc.Add(t)
	if b.acc.DollarVolume().GreaterThanOrEqual(b.threshold) {
		return b.emit(b.BarType(), nil)
	}
	return nil
}

func (b *DollarBuilder) Flush() *Bar { return b.flush(b.BarType(), nil) }

func (b *DollarBuilder) RestoreState(map[string]any) {}

// TimeBuilder emits a bar per fixed clock interval. Buckets are anchored
// at the Unix epoch in UTC: a 5m bar covers :00-:05, :05-:10, and so on.
// A trade landing in a new bucket emits the previous bucket first, then
// opens the new one; empty intervals produce no bars.
type TimeBuilder struct {
	base
	interval time.Duration
}

func NewTimeBuilder(source, pair string, interval time.Duration) *TimeBuilder {
	return &TimeBuilder{base: base{source: source, pair: pair}, interval: interval}
}

func (b *TimeBuilder) BarType() string { return "time_" + intervalLabel(b.interval) }

// bucket returns the epoch-anchored bucket index containing ts.
func (b *TimeBuilder) bucket(ts time.Time) int64 {
	return ts.UnixNano() / int64(b.interval)
}

func (b *TimeBuilder) ProcessTrade(t model.Trade) *Bar {
	var emitted *Bar
	if !b.acc.Empty() && b.bucket(t.Timestamp) != b.bucket(b.acc.TimeStart()) {
		emitted = b.emit(b.BarType(), nil)
	}
	b.acc.Add(t)
	return emitted
}

func (b *TimeBuilder) Flush() *Bar { return b.flush(b.BarType(), nil) }

func (b *TimeBuilder) RestoreState(map[string]any) {}
