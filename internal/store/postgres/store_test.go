package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcana-io/arcana/internal/bars"
	"github.com/arcana-io/arcana/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres"), 5*time.Second, 0), mock
}

func TestPairSlug(t *testing.T) {
	assert.Equal(t, "btc_usd", PairSlug("BTC-USD"))
	assert.Equal(t, "eth_eur", PairSlug("ETH/EUR"))
	assert.Equal(t, "sol2_usd", PairSlug("SOL2-USD"))
}

func TestBarTableName(t *testing.T) {
	assert.Equal(t, "bars_tick_500_btc_usd", BarTableName("tick_500", "BTC-USD"))
	assert.Equal(t, "bars_time_5m_eth_usd", BarTableName("time_5m", "ETH-USD"))
	assert.Equal(t, "bars_tib_10_btc_usd", BarTableName("tib_10", "BTC-USD"))
}

func testTrade(id string, ts time.Time) model.Trade {
	return model.Trade{
		Timestamp: ts,
		TradeID:   id,
		Source:    "coinbase",
		Pair:      "BTC-USD",
		Price:     decimal.RequireFromString("100.5"),
		Size:      decimal.RequireFromString("0.1"),
		Side:      model.SideBuy,
	}
}

func TestInsertTradesCountsNewRowsOnly(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO raw_trades")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // duplicate
	mock.ExpectCommit()

	n, err := s.InsertTrades(context.Background(), []model.Trade{
		testTrade("a", ts),
		testTrade("a", ts),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "ON CONFLICT DO NOTHING rows do not count")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTradesHonorsConfiguredBatchSize(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewWithDB(sqlx.NewDb(db, "postgres"), 5*time.Second, 2)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Three trades at batch size 2: two commit transactions.
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO raw_trades")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	prep = mock.ExpectPrepare("INSERT INTO raw_trades")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.InsertTrades(context.Background(), []model.Trade{
		testTrade("a", ts),
		testTrade("b", ts.Add(time.Second)),
		testTrade("c", ts.Add(2*time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTradesEmptyBatch(t *testing.T) {
	s, mock := newMockStore(t)
	n, err := s.InsertTrades(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBarsCreatesFamilyTableOnce(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	bar := bars.Bar{
		TimeStart: ts, TimeEnd: ts.Add(time.Minute),
		BarType: "tick_500", Source: "coinbase", Pair: "BTC-USD",
		Open: decimal.NewFromInt(10), High: decimal.NewFromInt(12),
		Low: decimal.NewFromInt(9), Close: decimal.NewFromInt(11),
		VWAP: decimal.NewFromInt(10), Volume: decimal.NewFromInt(5),
		DollarVolume: decimal.NewFromInt(50), TickCount: 500,
		TimeSpan: time.Minute,
		Metadata: map[string]any{"ewma_expected": 3.5},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS bars_tick_500_btc_usd").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create_hypertable").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO bars_tick_500_btc_usd")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.InsertBars(context.Background(), []bars.Bar{bar})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Second insert reuses the cached table, no DDL.
	mock.ExpectBegin()
	prep = mock.ExpectPrepare("INSERT INTO bars_tick_500_btc_usd")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = s.InsertBars(context.Background(), []bars.Bar{bar})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaxTradeTS(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT MAX").
		WithArgs("coinbase", "BTC-USD").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(ts))

	got, ok, err := s.MaxTradeTS(context.Background(), "coinbase", "BTC-USD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(ts))
}

func TestMaxTradeTSEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT MAX").
		WithArgs("coinbase", "BTC-USD").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	_, ok, err := s.MaxTradeTS(context.Background(), "coinbase", "BTC-USD")
	require.NoError(t, err)
	assert.False(t, ok, "no trades means no watermark")
}

func TestLastBarRestoresMetadata(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT time_end, metadata FROM bars_tib_10_btc_usd").
		WithArgs("tib_10", "coinbase", "BTC-USD").
		WillReturnRows(sqlmock.NewRows([]string{"time_end", "metadata"}).
			AddRow(ts, []byte(`{"ewma_expected": 7.5, "ewma_bar_count": 3}`)))

	last, err := s.LastBar(context.Background(), "tib_10", "coinbase", "BTC-USD")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.TimeEnd.Equal(ts))
	assert.Equal(t, 7.5, last.Metadata["ewma_expected"])
	assert.Equal(t, float64(3), last.Metadata["ewma_bar_count"], "JSON numbers decode as float64")
}

func TestLastBarNone(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT time_end, metadata FROM bars_tick_500_btc_usd").
		WithArgs("tick_500", "coinbase", "BTC-USD").
		WillReturnRows(sqlmock.NewRows([]string{"time_end", "metadata"}))

	last, err := s.LastBar(context.Background(), "tick_500", "coinbase", "BTC-USD")
	require.NoError(t, err)
	assert.Nil(t, last, "empty family resolves to a cold start")
}

func TestTradesSince(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"timestamp", "trade_id", "source", "pair", "price", "size", "side"}).
		AddRow(ts, "a", "coinbase", "BTC-USD", "100.5", "0.1", "buy").
		AddRow(ts.Add(time.Second), "b", "coinbase", "BTC-USD", "101", "0.2", "sell")

	mock.ExpectQuery("SELECT timestamp, trade_id").
		WithArgs("coinbase", "BTC-USD", ts, 100).
		WillReturnRows(rows)

	trades, err := s.TradesSince(context.Background(), "coinbase", "BTC-USD", ts, 100)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "a", trades[0].TradeID)
	assert.Equal(t, model.SideSell, trades[1].Side)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("100.5")))
}

func TestCountByDay(t *testing.T) {
	s, mock := newMockStore(t)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("date_trunc").
		WithArgs("coinbase", "BTC-USD", day, day.Add(48*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"day", "trade_count"}).
			AddRow(day, 120).
			AddRow(day.Add(24*time.Hour), 98))

	counts, err := s.CountByDay(context.Background(), "coinbase", "BTC-USD", day, day.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, int64(120), counts[0].Count)
	assert.True(t, counts[1].Day.Equal(day.Add(24*time.Hour)))
}

func TestTradeCountAllAndPerPair(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	total, err := s.TradeCount(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("BTC-USD").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	n, err := s.TradeCount(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestMonthlyCounts(t *testing.T) {
	s, mock := newMockStore(t)
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	first := month.Add(time.Hour)
	last := month.Add(600 * time.Hour)

	mock.ExpectQuery("date_trunc").
		WithArgs("BTC-USD").
		WillReturnRows(sqlmock.NewRows([]string{"month", "trade_count", "first_trade", "last_trade"}).
			AddRow(month, 5000, first, last))

	months, err := s.MonthlyCounts(context.Background(), "BTC-USD")
	require.NoError(t, err)
	require.Len(t, months, 1)
	assert.Equal(t, int64(5000), months[0].Count)
	assert.True(t, months[0].First.Equal(first))
}
