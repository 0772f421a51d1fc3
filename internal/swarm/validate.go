package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arcana-io/arcana/internal/store"
)

// Gap is a contiguous stretch of UTC days with zero stored trades.
type Gap struct {
	Start time.Time // first empty day, midnight UTC
	End   time.Time // day after the last empty day
}

// Days returns the gap width in whole days.
func (g Gap) Days() int { return int(g.End.Sub(g.Start).Hours() / 24) }

// Report is the outcome of a coverage validation pass.
type Report struct {
	Pair        string
	Start       time.Time
	End         time.Time
	TotalTrades int64
	DaysCovered int
	DaysTotal   int
	Gaps        []Gap
}

// Complete reports whether every day in the range saw at least one trade.
func (r Report) Complete() bool { return len(r.Gaps) == 0 }

// Validate checks that [start, end) has trades on every UTC day,
// reporting interior zero-trade days and any uncovered leading or
// trailing stretch. Zero trades on a day is either a collection gap or a
// genuinely silent market; the report cannot tell them apart, the
// operator can.
func Validate(ctx context.Context, db store.Store, source, pair string, start, end time.Time) (Report, error) {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) || end.Equal(start) {
		return Report{}, fmt.Errorf("validation range is empty")
	}

	counts, err := db.CountByDay(ctx, source, pair, start, end)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Pair:      pair,
		Start:     start,
		End:       end,
		DaysTotal: int(end.Sub(start).Hours() / 24),
	}

	covered := make(map[time.Time]bool, len(counts))
	for _, dc := range counts {
		covered[dc.Day.UTC()] = true
		report.TotalTrades += dc.Count
	}
	report.DaysCovered = len(covered)

	var gapStart time.Time
	inGap := false
	for day := start; day.Before(end); day = day.Add(24 * time.Hour) {
		if covered[day] {
			if inGap {
				report.Gaps = append(report.Gaps, Gap{Start: gapStart, End: day})
				inGap = false
			}
			continue
		}
		if !inGap {
			gapStart = day
			inGap = true
		}
	}
	if inGap {
		report.Gaps = append(report.Gaps, Gap{Start: gapStart, End: end})
	}
	return report, nil
}

// FormatReport renders a human-readable validation summary.
func FormatReport(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Coverage for %s over [%s, %s):\n",
		r.Pair, r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "  trades: %d, days covered: %d/%d\n",
		r.TotalTrades, r.DaysCovered, r.DaysTotal)
	if r.Complete() {
		b.WriteString("  no gaps detected\n")
		return b.String()
	}
	for _, g := range r.Gaps {
		label := "gap"
		switch {
		case g.Start.Equal(r.Start):
			label = "leading gap"
		case g.End.Equal(r.End):
			label = "trailing gap"
		}
		fmt.Fprintf(&b, "  %s: %s to %s (%d days)\n",
			label, g.Start.Format("2006-01-02"),
			g.End.Add(-24*time.Hour).Format("2006-01-02"), g.Days())
	}
	return b.String()
}

// FormatMonthly renders the per-month ingest progress table used by the
// swarm status command.
func FormatMonthly(pair string, months []store.MonthCount) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ingest progress for %s:\n", pair)
	if len(months) == 0 {
		b.WriteString("  no trades stored\n")
		return b.String()
	}
	fmt.Fprintf(&b, "  %-8s  %12s  %-20s  %-20s\n", "month", "trades", "first", "last")
	var total int64
	for _, m := range months {
		fmt.Fprintf(&b, "  %-8s  %12d  %-20s  %-20s\n",
			m.Month.Format("2006-01"), m.Count,
			m.First.UTC().Format("2006-01-02 15:04:05"),
			m.Last.UTC().Format("2006-01-02 15:04:05"))
		total += m.Count
	}
	fmt.Fprintf(&b, "  total: %d trades across %d months\n", total, len(months))
	return b.String()
}
