package bars

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcana-io/arcana/internal/model"
)

func TestTickImbalanceColdStartEmitsOnFirstSignal(t *testing.T) {
	b := NewTickImbalanceBuilder("coinbase", "BTC-USD", 2)

	bar := b.ProcessTrade(mkTrade(0, "10", "1", model.SideBuy))
	require.NotNil(t, bar, "cold start emits as soon as any imbalance appears")
	assert.Equal(t, "tib_2", bar.BarType)
	assert.Equal(t, int64(1), bar.TickCount)

	// The seed bar persists the estimator state.
	require.NotNil(t, bar.Metadata)
	assert.Equal(t, 1.0, bar.Metadata["ewma_expected"])
	assert.Equal(t, int64(1), bar.Metadata["ewma_bar_count"])
	assert.Equal(t, 2, bar.Metadata["ewma_window"])
	assert.Equal(t, 1, bar.Metadata["last_trade_sign"])
}

func TestTickImbalanceRestoredThreshold(t *testing.T) {
	b := NewTickImbalanceBuilder("coinbase", "BTC-USD", 2)
	b.RestoreState(map[string]any{
		"ewma_expected":   3.0,
		"ewma_window":     float64(2),
		"ewma_bar_count":  float64(5),
		"last_trade_sign": float64(1),
	})

	// Three same-sign trades are needed to push |theta| to 3.
	assert.Nil(t, b.ProcessTrade(mkTrade(0, "10", "1", model.SideBuy)))
	assert.Nil(t, b.ProcessTrade(mkTrade(time.Second, "10", "1", model.SideBuy)))
	bar := b.ProcessTrade(mkTrade(2*time.Second, "10", "1", model.SideBuy))
	require.NotNil(t, bar)
	assert.Equal(t, int64(3), bar.TickCount)
	assert.Equal(t, int64(6), bar.Metadata["ewma_bar_count"])
}

func TestTickImbalanceOpposingSignsCancel(t *testing.T) {
	b := NewTickImbalanceBuilder("coinbase", "BTC-USD", 2)
	b.RestoreState(map[string]any{
		"ewma_expected":  2.0,
		"ewma_bar_count": float64(1),
	})

	// +1 then -1 leaves theta at zero; the bar keeps accumulating.
	assert.Nil(t, b.ProcessTrade(mkTrade(0, "10", "1", model.SideBuy)))
	assert.Nil(t, b.ProcessTrade(mkTrade(time.Second, "10", "1", model.SideSell)))
	assert.Nil(t, b.ProcessTrade(mkTrade(2*time.Second, "10", "1", model.SideSell)))
	bar := b.ProcessTrade(mkTrade(3*time.Second, "10", "1", model.SideSell))
	require.NotNil(t, bar, "|theta| = 2 after four trades")
	assert.Equal(t, int64(4), bar.TickCount)
}

func TestVolumeImbalanceUsesSize(t *testing.T) {
	b := NewVolumeImbalanceBuilder("coinbase", "BTC-USD", 4)
	b.RestoreState(map[string]any{
		"ewma_expected":  5.0,
		"ewma_bar_count": float64(1),
	})

	assert.Nil(t, b.ProcessTrade(mkTrade(0, "10", "3", model.SideBuy)))
	bar := b.ProcessTrade(mkTrade(time.Second, "10", "2.5", model.SideBuy))
	require.NotNil(t, bar, "theta = 5.5 >= 5")
	assert.Equal(t, "vib_4", bar.BarType)
}

func TestDollarImbalanceUsesDollarVolume(t *testing.T) {
	b := NewDollarImbalanceBuilder("coinbase", "BTC-USD", 4)
	b.RestoreState(map[string]any{
		"ewma_expected":  100.0,
		"ewma_bar_count": float64(1),
	})

	// 10*4 = 40 each way; two sells reach -80, a third crosses -120.
	assert.Nil(t, b.ProcessTrade(mkTrade(0, "10", "4", model.SideSell)))
	assert.Nil(t, b.ProcessTrade(mkTrade(time.Second, "10", "4", model.SideSell)))
	bar := b.ProcessTrade(mkTrade(2*time.Second, "10", "4", model.SideSell))
	require.NotNil(t, bar)
	assert.Equal(t, "dib_4", bar.BarType)
	assert.Equal(t, int64(3), bar.TickCount)
}

func TestImbalanceFlushCarriesMetadata(t *testing.T) {
	b := NewTickImbalanceBuilder("coinbase", "BTC-USD", 3)
	require.NotNil(t, b.ProcessTrade(mkTrade(0, "10", "1", model.SideBuy)))

	// Partial bar below threshold, then a forced close.
	b.RestoreState(map[string]any{"ewma_expected": 10.0, "ewma_bar_count": float64(1)})
	assert.Nil(t, b.ProcessTrade(mkTrade(time.Second, "10", "1", model.SideBuy)))

	bar := b.Flush()
	require.NotNil(t, bar)
	assert.Equal(t, int64(1), bar.TickCount)
	assert.Equal(t, 10.0, bar.Metadata["ewma_expected"])
	assert.Nil(t, b.Flush(), "second flush has nothing left")
}
