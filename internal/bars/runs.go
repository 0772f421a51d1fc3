package bars

import (
	"fmt"

	"github.com/arcana-io/arcana/internal/model"
)

var (
	_ Builder = (*TickRunBuilder)(nil)
	_ Builder = (*VolumeRunBuilder)(nil)
	_ Builder = (*DollarRunBuilder)(nil)
)

// runCore drives the three run families. It tracks the magnitude of the
// current same-sign run and the maximum run seen within the bar; a bar
// emits when that maximum crosses the EWMA expected run. The unit
// function is 1 for trb, size for vrb, price*size for drb.
type runCore struct {
	base
	label   string
	ewma    *ewma
	signs   signTracker
	runSign int
	runMag  float64
	maxRun  float64
	unit    func(model.Trade) float64
}

func newRunCore(source, pair, family string, window int, unit func(model.Trade) float64) runCore {
	return runCore{
		base:  base{source: source, pair: pair},
		label: fmt.Sprintf("%s_%d", family, window),
		ewma:  newEWMA(window),
		signs: newSignTracker(),
		unit:  unit,
	}
}

func (c *runCore) BarType() string { return c.label }

func (c *runCore) ProcessTrade(t model.Trade) *Bar {
	sign := c.signs.resolve(t.Price, t.Sign())
	c.acc.Add(t)

	if sign == c.runSign {
		c.runMag += c.unit(t)
	} else {
		c.runSign = sign
		c.runMag = c.unit(t)
	}
	if c.runMag > c.maxRun {
		c.maxRun = c.runMag
	}

	if c.ewma.crossed(c.maxRun) {
		c.ewma.update(c.maxRun)
		meta := c.ewma.metadata(c.signs.prevSign)
		c.resetRuns()
		return c.emit(c.label, meta)
	}
	return nil
}

func (c *runCore) Flush() *Bar {
	c.resetRuns()
	return c.flush(c.label, c.ewma.metadata(c.signs.prevSign))
}

func (c *runCore) RestoreState(meta map[string]any) {
	c.ewma.restore(meta)
	c.signs.restoreSign(meta)
}

func (c *runCore) resetRuns() {
	c.runSign = 0
	c.runMag = 0
	c.maxRun = 0
}

// TickRunBuilder (trb_W): run magnitude counts trades.
type TickRunBuilder struct{ runCore }

func NewTickRunBuilder(source, pair string, window int) *TickRunBuilder {
	return &TickRunBuilder{newRunCore(source, pair, "trb", window,
		func(model.Trade) float64 { return 1 })}
}

// VolumeRunBuilder (vrb_W): run magnitude sums base-currency size.
type VolumeRunBuilder struct{ runCore }

func NewVolumeRunBuilder(source, pair string, window int) *VolumeRunBuilder {
	return &VolumeRunBuilder{newRunCore(source, pair, "vrb", window,
		func(t model.Trade) float64 { return t.Size.InexactFloat64() })}
}

// DollarRunBuilder (drb_W): run magnitude sums price*size.
type DollarRunBuilder struct{ runCore }

func NewDollarRunBuilder(source, pair string, window int) *DollarRunBuilder {
	return &DollarRunBuilder{newRunCore(source, pair, "drb", window,
		func(t model.Trade) float64 { return t.DollarVolume().InexactFloat64() })}
}
