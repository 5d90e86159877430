package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements core.Store on an embedded sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	name                 TEXT    NOT NULL,
	pair                 TEXT    NOT NULL,
	status               TEXT    NOT NULL,
	signals              TEXT    NOT NULL,
	position_size_usd    TEXT    NOT NULL,
	confirmation_minutes REAL    NOT NULL,
	cooldown_minutes     REAL    NOT NULL,
	skip_on_low_balance  INTEGER NOT NULL,
	min_price_step_pct   REAL    NOT NULL,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id                 INTEGER NOT NULL,
	pair                   TEXT    NOT NULL,
	side                   TEXT    NOT NULL,
	submitted_notional_usd TEXT    NOT NULL,
	submitted_at           INTEGER NOT NULL,
	exchange_order_id      TEXT    NOT NULL DEFAULT '',
	status                 TEXT    NOT NULL,
	filled_at              INTEGER,
	origin_score           REAL    NOT NULL,
	failure_reason         TEXT    NOT NULL DEFAULT '',
	flag                   TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades(bot_id, status);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS fills (
	fill_id           TEXT    PRIMARY KEY,
	exchange_order_id TEXT    NOT NULL,
	pair              TEXT    NOT NULL,
	side              TEXT    NOT NULL,
	base_qty          TEXT    NOT NULL,
	quote_value_usd   TEXT    NOT NULL,
	price             TEXT    NOT NULL,
	commission_usd    TEXT    NOT NULL,
	executed_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_pair ON fills(pair, executed_at, fill_id);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(exchange_order_id);
`

// NewSQLiteStore opens (and if needed initializes) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- bots ---

func (s *SQLiteStore) CreateBot(ctx context.Context, bot *core.Bot) error {
	signals, err := json.Marshal(bot.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}

	now := time.Now()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	bot.UpdatedAt = now
	if bot.Status == "" {
		bot.Status = core.BotStopped
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (name, pair, status, signals, position_size_usd,
			confirmation_minutes, cooldown_minutes, skip_on_low_balance,
			min_price_step_pct, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bot.Name, bot.Pair, string(bot.Status), string(signals),
		bot.PositionSizeUSD.String(), bot.ConfirmationMinutes,
		bot.CooldownMinutes, boolToInt(bot.SkipOnLowBalance),
		bot.MinPriceStepPct, bot.CreatedAt.UnixNano(), bot.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert bot: %w", err)
	}

	bot.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read bot id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBot(ctx context.Context, id int64) (*core.Bot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, pair, status, signals, position_size_usd,
			confirmation_minutes, cooldown_minutes, skip_on_low_balance,
			min_price_step_pct, created_at, updated_at
		FROM bots WHERE id = ?`, id)
	return scanBot(row)
}

func (s *SQLiteStore) ListBots(ctx context.Context) ([]*core.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, pair, status, signals, position_size_usd,
			confirmation_minutes, cooldown_minutes, skip_on_low_balance,
			min_price_step_pct, created_at, updated_at
		FROM bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*core.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

func (s *SQLiteStore) UpdateBotConfig(ctx context.Context, bot *core.Bot) error {
	signals, err := json.Marshal(bot.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}
	bot.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET name = ?, signals = ?, position_size_usd = ?,
			confirmation_minutes = ?, cooldown_minutes = ?,
			skip_on_low_balance = ?, min_price_step_pct = ?, updated_at = ?
		WHERE id = ?`,
		bot.Name, string(signals), bot.PositionSizeUSD.String(),
		bot.ConfirmationMinutes, bot.CooldownMinutes,
		boolToInt(bot.SkipOnLowBalance), bot.MinPriceStepPct,
		bot.UpdatedAt.UnixNano(), bot.ID)
	if err != nil {
		return fmt.Errorf("failed to update bot: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetBotStatus(ctx context.Context, id int64, status core.BotStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to set bot status: %w", err)
	}
	return requireRow(res)
}

// --- trades ---

func (s *SQLiteStore) CreateTrade(ctx context.Context, tr *core.TradeRecord) error {
	if tr.SubmittedAt.IsZero() {
		tr.SubmittedAt = time.Now()
	}
	if tr.Status == "" {
		tr.Status = core.TradePending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (bot_id, pair, side, submitted_notional_usd,
			submitted_at, exchange_order_id, status, origin_score,
			failure_reason, flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.BotID, tr.Pair, string(tr.Side), tr.SubmittedNotionalUSD.String(),
		tr.SubmittedAt.UnixNano(), tr.ExchangeOrderID, string(tr.Status),
		tr.OriginScore, tr.FailureReason, string(tr.Flag))
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	tr.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read trade id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TransitionTrade(ctx context.Context, id int64, from, to core.TradeStatus, filledAt *time.Time, reason string) error {
	var filled interface{}
	if filledAt != nil {
		filled = filledAt.UnixNano()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET status = ?, filled_at = ?, failure_reason = ?
		WHERE id = ? AND status = ?`,
		string(to), filled, reason, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition trade: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// CAS failed: distinguish a racing writer from an invariant violation.
	tr, err := s.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	if tr.Status.Terminal() {
		return fmt.Errorf("trade %d is %s: %w", id, tr.Status, ErrTerminalTransition)
	}
	return fmt.Errorf("trade %d is %s, expected %s: %w", id, tr.Status, from, ErrStaleTransition)
}

func (s *SQLiteStore) FlagTrade(ctx context.Context, id int64, flag core.StuckFlag) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET flag = ? WHERE id = ?`, string(flag), id)
	if err != nil {
		return fmt.Errorf("failed to flag trade: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) GetTrade(ctx context.Context, id int64) (*core.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx, tradeSelect+` WHERE id = ?`, id)
	return scanTrade(row)
}

func (s *SQLiteStore) PendingTrades(ctx context.Context) ([]*core.TradeRecord, error) {
	return s.queryTrades(ctx, tradeSelect+` WHERE status = ? ORDER BY submitted_at`, string(core.TradePending))
}

func (s *SQLiteStore) PendingTradeForBot(ctx context.Context, botID int64) (*core.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		tradeSelect+` WHERE bot_id = ? AND status = ? ORDER BY submitted_at LIMIT 1`,
		botID, string(core.TradePending))
	tr, err := scanTrade(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return tr, err
}

func (s *SQLiteStore) TradesByBot(ctx context.Context, botID int64) ([]*core.TradeRecord, error) {
	return s.queryTrades(ctx, tradeSelect+` WHERE bot_id = ? ORDER BY submitted_at`, botID)
}

func (s *SQLiteStore) LastCompletedTrade(ctx context.Context, botID int64) (*core.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		tradeSelect+` WHERE bot_id = ? AND status = ? AND filled_at IS NOT NULL
			ORDER BY filled_at DESC LIMIT 1`,
		botID, string(core.TradeCompleted))
	tr, err := scanTrade(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return tr, err
}

// --- fills ---

func (s *SQLiteStore) UpsertFill(ctx context.Context, fill *core.Fill) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (fill_id, exchange_order_id, pair, side,
			base_qty, quote_value_usd, price, commission_usd, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.FillID, fill.ExchangeOrderID, fill.Pair, string(fill.Side),
		fill.BaseQty.String(), fill.QuoteValueUSD.String(),
		fill.Price.String(), fill.CommissionUSD.String(),
		fill.ExecutedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to upsert fill: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) FillsByPair(ctx context.Context, pair string) ([]*core.Fill, error) {
	// fill_id is the stable tiebreak for identical timestamps.
	return s.queryFills(ctx, fillSelect+` WHERE pair = ? ORDER BY executed_at, fill_id`, pair)
}

func (s *SQLiteStore) FillsByOrder(ctx context.Context, exchangeOrderID string) ([]*core.Fill, error) {
	return s.queryFills(ctx, fillSelect+` WHERE exchange_order_id = ? ORDER BY executed_at, fill_id`, exchangeOrderID)
}

// --- scan helpers ---

const tradeSelect = `
	SELECT id, bot_id, pair, side, submitted_notional_usd, submitted_at,
		exchange_order_id, status, filled_at, origin_score, failure_reason, flag
	FROM trades`

const fillSelect = `
	SELECT fill_id, exchange_order_id, pair, side, base_qty, quote_value_usd,
		price, commission_usd, executed_at
	FROM fills`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(row rowScanner) (*core.Bot, error) {
	var (
		bot          core.Bot
		status       string
		signals      string
		notional     string
		skip         int
		created, upd int64
	)
	err := row.Scan(&bot.ID, &bot.Name, &bot.Pair, &status, &signals, &notional,
		&bot.ConfirmationMinutes, &bot.CooldownMinutes, &skip,
		&bot.MinPriceStepPct, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bot: %w", err)
	}

	bot.Status = core.BotStatus(status)
	bot.SkipOnLowBalance = skip != 0
	bot.CreatedAt = time.Unix(0, created)
	bot.UpdatedAt = time.Unix(0, upd)

	if err := json.Unmarshal([]byte(signals), &bot.Signals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signals: %w", err)
	}
	if bot.PositionSizeUSD, err = decimal.NewFromString(notional); err != nil {
		return nil, fmt.Errorf("failed to parse position size: %w", err)
	}
	return &bot, nil
}

func scanTrade(row rowScanner) (*core.TradeRecord, error) {
	var (
		tr        core.TradeRecord
		side      string
		status    string
		flag      string
		notional  string
		submitted int64
		filled    sql.NullInt64
	)
	err := row.Scan(&tr.ID, &tr.BotID, &tr.Pair, &side, &notional, &submitted,
		&tr.ExchangeOrderID, &status, &filled, &tr.OriginScore,
		&tr.FailureReason, &flag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}

	tr.Side = core.OrderSide(side)
	tr.Status = core.TradeStatus(status)
	tr.Flag = core.StuckFlag(flag)
	tr.SubmittedAt = time.Unix(0, submitted)
	if filled.Valid {
		t := time.Unix(0, filled.Int64)
		tr.FilledAt = &t
	}
	if tr.SubmittedNotionalUSD, err = decimal.NewFromString(notional); err != nil {
		return nil, fmt.Errorf("failed to parse trade notional: %w", err)
	}
	return &tr, nil
}

func (s *SQLiteStore) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*core.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.TradeRecord
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) queryFills(ctx context.Context, query string, args ...interface{}) ([]*core.Fill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []*core.Fill
	for rows.Next() {
		var (
			f        core.Fill
			side     string
			baseQty  string
			quoteVal string
			price    string
			comm     string
			executed int64
		)
		if err := rows.Scan(&f.FillID, &f.ExchangeOrderID, &f.Pair, &side,
			&baseQty, &quoteVal, &price, &comm, &executed); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side = core.OrderSide(side)
		f.ExecutedAt = time.Unix(0, executed)
		if f.BaseQty, err = decimal.NewFromString(baseQty); err != nil {
			return nil, fmt.Errorf("failed to parse base qty: %w", err)
		}
		if f.QuoteValueUSD, err = decimal.NewFromString(quoteVal); err != nil {
			return nil, fmt.Errorf("failed to parse quote value: %w", err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}
		if f.CommissionUSD, err = decimal.NewFromString(comm); err != nil {
			return nil, fmt.Errorf("failed to parse commission: %w", err)
		}
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
