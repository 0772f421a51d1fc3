package bars

import (
	"fmt"
	"math"

	"github.com/arcana-io/arcana/internal/model"
)

var (
	_ Builder = (*TickImbalanceBuilder)(nil)
	_ Builder = (*VolumeImbalanceBuilder)(nil)
	_ Builder = (*DollarImbalanceBuilder)(nil)
)

// imbalanceCore drives the three imbalance families. Within the active
// bar it tracks the cumulative signed flow theta; a bar emits when
// |theta| crosses the EWMA expected absolute imbalance. The unit function
// supplies the per-trade magnitude: 1 for tib, size for vib, price*size
// for dib.
type imbalanceCore struct {
	base
	label string
	ewma  *ewma
	signs signTracker
	theta float64
	unit  func(model.Trade) float64
}

func newImbalanceCore(source, pair, family string, window int, unit func(model.Trade) float64) imbalanceCore {
	return imbalanceCore{
		base:  base{source: source, pair: pair},
		label: fmt.Sprintf("%s_%d", family, window),
		ewma:  newEWMA(window),
		signs: newSignTracker(),
		unit:  unit,
	}
}

func (c *imbalanceCore) BarType() string { return c.label }

func (c *imbalanceCore) ProcessTrade(t model.Trade) *Bar {
	sign := c.signs.resolve(t.Price, t.Sign())
	c.acc.Add(t)
	c.theta += float64(sign) * c.unit(t)

	if c.ewma.crossed(math.Abs(c.theta)) {
		c.ewma.update(math.Abs(c.theta))
		meta := c.ewma.metadata(c.signs.prevSign)
		c.theta = 0
		return c.emit(c.label, meta)
	}
	return nil
}

func (c *imbalanceCore) Flush() *Bar {
	c.theta = 0
	return c.flush(c.label, c.ewma.metadata(c.signs.prevSign))
}

func (c *imbalanceCore) RestoreState(meta map[string]any) {
	c.ewma.restore(meta)
	c.signs.restoreSign(meta)
}

// TickImbalanceBuilder (tib_W): theta moves by ±1 per trade.
type TickImbalanceBuilder struct{ imbalanceCore }

func NewTickImbalanceBuilder(source, pair string, window int) *TickImbalanceBuilder {
	return &TickImbalanceBuilder{newImbalanceCore(source, pair, "tib", window,
		func(model.Trade) float64 { return 1 })}
}

// VolumeImbalanceBuilder (vib_W): theta moves by ±size per trade.
type VolumeImbalanceBuilder struct{ imbalanceCore }

func NewVolumeImbalanceBuilder(source, pair string, window int) *VolumeImbalanceBuilder {
	return &VolumeImbalanceBuilder{newImbalanceCore(source, pair, "vib", window,
		func(t model.Trade) float64 { return t.Size.InexactFloat64() })}
}

// DollarImbalanceBuilder (dib_W): theta moves by ±price*size per trade.
type DollarImbalanceBuilder struct{ imbalanceCore }

func NewDollarImbalanceBuilder(source, pair string, window int) *DollarImbalanceBuilder {
	return &DollarImbalanceBuilder{newImbalanceCore(source, pair, "dib", window,
		func(t model.Trade) float64 { return t.DollarVolume().InexactFloat64() })}
}
