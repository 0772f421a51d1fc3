package bars

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arcana-io/arcana/internal/model"
)

// Builder is the common protocol for all bar families. Builders are
// stateful: they accumulate across ProcessTrade calls, which is what lets
// daemon mode feed trades in batches. Trades must arrive in ascending
// timestamp order.
type Builder interface {
	// BarType is the label for this builder, e.g. "tick_500" or "tib_10".
	// It drives per-family table naming in the store.
	BarType() string

	// ProcessTrade folds one trade in and returns a completed bar when the
	// emission predicate fires, nil otherwise. The triggering trade is the
	// last trade of the emitted bar, except for time bars where a trade in
	// a new bucket emits the previous bucket first.
	ProcessTrade(t model.Trade) *Bar

	// Flush force-emits the in-progress partial bar, or nil when empty.
	// Call only at end-of-data or graceful shutdown: a premature flush
	// yields a below-threshold bar and corrupts the EWMA series of the
	// adaptive families.
	Flush() *Bar

	// RestoreState seeds builder state from the metadata of the most
	// recently persisted bar of this family. No-op for fixed-threshold
	// builders.
	RestoreState(metadata map[string]any)
}

// ProcessTrades folds a batch of trades through a builder and collects
// the completed bars.
func ProcessTrades(b Builder, trades []model.Trade) []Bar {
	var out []Bar
	for _, t := range trades {
		if bar := b.ProcessTrade(t); bar != nil {
			out = append(out, *bar)
		}
	}
	return out
}

// SpecError reports an unparseable bar spec. It is a bad-input error:
// the command surface maps it to exit code 2.
type SpecError struct {
	Spec   string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid bar spec %q: %s", e.Spec, e.Reason)
}

// ParseSpec builds a Builder from a spec string of the form
// <family>_<param>, e.g. "tick_500", "volume_100", "time_5m", "tib_10".
// Families: tick, volume, dollar, time, tib, vib, dib, trb, vrb, drb.
func ParseSpec(spec, source, pair string) (Builder, error) {
	family, param, ok := strings.Cut(spec, "_")
	if !ok || param == "" {
		return nil, &SpecError{Spec: spec, Reason: "want <family>_<param>"}
	}

	switch family {
	case "tick":
		n, err := strconv.Atoi(param)
		if err != nil || n < 1 {
			return nil, &SpecError{Spec: spec, Reason: "tick threshold must be a positive integer"}
		}
		return NewTickBuilder(source, pair, int64(n)), nil

	case "volume", "dollar":
		v, err := decimal.NewFromString(param)
		if err != nil || !v.IsPositive() {
			return nil, &SpecError{Spec: spec, Reason: family + " threshold must be a positive decimal"}
		}
		if family == "volume" {
			return NewVolumeBuilder(source, pair, v), nil
		}
		return NewDollarBuilder(source, pair, v), nil

	case "time":
		interval, err := parseInterval(param)
		if err != nil {
			return nil, &SpecError{Spec: spec, Reason: err.Error()}
		}
		return NewTimeBuilder(source, pair, interval), nil

	case "tib", "vib", "dib", "trb", "vrb", "drb":
		w, err := strconv.Atoi(param)
		if err != nil || w < 1 {
			return nil, &SpecError{Spec: spec, Reason: "EWMA window must be a positive integer"}
		}
		switch family {
		case "tib":
			return NewTickImbalanceBuilder(source, pair, w), nil
		case "vib":
			return NewVolumeImbalanceBuilder(source, pair, w), nil
		case "dib":
			return NewDollarImbalanceBuilder(source, pair, w), nil
		case "trb":
			return NewTickRunBuilder(source, pair, w), nil
		case "vrb":
			return NewVolumeRunBuilder(source, pair, w), nil
		default:
			return NewDollarRunBuilder(source, pair, w), nil
		}
	}

	return nil, &SpecError{Spec: spec, Reason: "unknown family " + family}
}

// parseInterval parses a time-bar param like "30s", "5m", "1h", "1d".
// The param must be canonical, i.e. identical to how intervalLabel
// renders the interval: the label keys table naming and warm resume, so
// "60s" and "1m" must not coexist as distinct families.
func parseInterval(param string) (time.Duration, error) {
	d, err := parseIntervalUnits(param)
	if err != nil {
		return 0, err
	}
	if label := intervalLabel(d); label != param {
		return 0, fmt.Errorf("interval %q must be written %q", param, label)
	}
	return d, nil
}

func parseIntervalUnits(param string) (time.Duration, error) {
	if len(param) < 2 {
		return 0, fmt.Errorf("time interval must be <N><s|m|h|d>")
	}
	unit := param[len(param)-1]
	n, err := strconv.Atoi(param[:len(param)-1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("time interval must be <N><s|m|h|d>")
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown time unit %q", string(unit))
}

// intervalLabel renders an interval in its largest evenly-dividing unit,
// so every interval has exactly one label and ParseSpec reads it back
// losslessly.
func intervalLabel(d time.Duration) string {
	secs := int64(d / time.Second)
	switch {
	case secs%86400 == 0:
		return fmt.Sprintf("%dd", secs/86400)
	case secs%3600 == 0:
		return fmt.Sprintf("%dh", secs/3600)
	case secs%60 == 0:
		return fmt.Sprintf("%dm", secs/60)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
