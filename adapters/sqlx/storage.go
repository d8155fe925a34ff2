// Package sqlx implements engine.Storage on PostgreSQL, MySQL and SQLite through jmoiron/sqlx.
package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

// Driver names a supported SQL dialect. Values are the database/sql driver names.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// Config holds SQL connection configuration.
type Config struct {
	Driver          Driver        `json:"driver" env:"LUPI_SQL_DRIVER"`
	DSN             string        `json:"dsn,omitempty" env:"LUPI_SQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" env:"LUPI_SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"LUPI_SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"LUPI_SQL_CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `json:"auto_migrate" env:"LUPI_SQL_AUTO_MIGRATE"`
}

// DefaultConfig returns sensible defaults for driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
	switch driver {
	case DriverPostgres:
		cfg.DSN = "postgres://localhost:5432/lupi?sslmode=disable"
	case DriverMySQL:
		cfg.DSN = "root@tcp(localhost:3306)/lupi"
	case DriverSQLite:
		cfg.DSN = "file:lupi.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		// one writer at a time; also keeps :memory: databases on a single connection
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Store implements engine.Storage using sqlx.
type Store struct {
	db     *sqlx.DB
	driver Driver
}

// New opens the database described by cfg and applies the schema when AutoMigrate is set.
func New(cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := NewWithDB(db, cfg.Driver)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing handle (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if s.driver == DriverMySQL {
		for _, idx := range indexDDL {
			_, err := s.db.ExecContext(ctx, "CREATE INDEX "+idx[0]+" ON "+idx[1])
			var myErr *mysql.MySQLError
			if err != nil && !(errors.As(err, &myErr) && myErr.Number == 1061) {
				return fmt.Errorf("migrate: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

// forUpdate locks selected rows; SQLite serialises writers at the database level instead.
func (s *Store) forUpdate() string {
	if s.driver == DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: sql %s: %w", core.ErrStorage, op, err)
}

// isDuplicate reports a primary or unique key violation on any supported driver.
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *msqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

type characterRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Position    string `db:"position"`
	Experience  int64  `db:"experience"`
	Level       int    `db:"level"`
	SkillPoints int    `db:"skill_points"`
	Stats       string `db:"stats"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r characterRow) character() (core.Character, error) {
	var stats core.Stats
	if err := json.Unmarshal([]byte(r.Stats), &stats); err != nil {
		return core.Character{}, storageErr("decode stats", err)
	}
	return core.Character{
		ID:                   core.CharacterID(r.ID),
		Name:                 r.Name,
		Position:             r.Position,
		Experience:           r.Experience,
		Level:                r.Level,
		AvailableSkillPoints: r.SkillPoints,
		Stats:                stats,
		CreatedAt:            fromMillis(r.CreatedAt),
		UpdatedAt:            fromMillis(r.UpdatedAt),
	}, nil
}

func statsJSON(s core.Stats) (string, error) {
	if s == nil {
		s = core.Stats{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("%w: encode stats: %v", core.ErrValidation, err)
	}
	return string(data), nil
}

type walletRow struct {
	CharacterID string          `db:"character_id"`
	Address     string          `db:"address"`
	Balance     decimal.Decimal `db:"balance"`
	UpdatedAt   int64           `db:"updated_at"`
}

func (r walletRow) wallet() core.Wallet {
	return core.Wallet{
		CharacterID: core.CharacterID(r.CharacterID),
		Address:     r.Address,
		Balance:     r.Balance,
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

type settlementRow struct {
	EventID            string          `db:"event_id"`
	CharacterID        string          `db:"character_id"`
	Reason             string          `db:"reason"`
	ExperienceDelta    int64           `db:"experience_delta"`
	CurrencyDelta      decimal.Decimal `db:"currency_delta"`
	BonusSkillPoints   int             `db:"bonus_skill_points"`
	SkillPointsGranted int             `db:"skill_points_granted"`
	LevelBefore        int             `db:"level_before"`
	LevelAfter         int             `db:"level_after"`
	ExperienceAfter    int64           `db:"experience_after"`
	BalanceAfter       decimal.Decimal `db:"balance_after"`
	AppliedAt          int64           `db:"applied_at"`
}

func (r settlementRow) record() core.SettlementRecord {
	return core.SettlementRecord{
		EventID:            core.EventID(r.EventID),
		CharacterID:        core.CharacterID(r.CharacterID),
		Reason:             r.Reason,
		ExperienceDelta:    r.ExperienceDelta,
		CurrencyDelta:      r.CurrencyDelta,
		BonusSkillPoints:   r.BonusSkillPoints,
		SkillPointsGranted: r.SkillPointsGranted,
		LevelBefore:        r.LevelBefore,
		LevelAfter:         r.LevelAfter,
		ExperienceAfter:    r.ExperienceAfter,
		BalanceAfter:       r.BalanceAfter,
		AppliedAt:          fromMillis(r.AppliedAt),
	}
}

const (
	characterColumns  = `id, name, position, experience, level, skill_points, stats, created_at, updated_at`
	walletColumns     = `character_id, address, balance, updated_at`
	settlementColumns = `event_id, character_id, reason, experience_delta, currency_delta, bonus_skill_points,
		skill_points_granted, level_before, level_after, experience_after, balance_after, applied_at`
)

func (s *Store) CreateCharacter(ctx context.Context, c core.Character, w core.Wallet) error {
	stats, err := statsJSON(c.Stats)
	if err != nil {
		return err
	}
	return s.inTx(ctx, "create character", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO characters (`+characterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.Name, c.Position, c.Experience, c.Level, c.AvailableSkillPoints, stats, toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
		if isDuplicate(err) {
			return fmt.Errorf("%w: character %s exists", core.ErrConflict, c.ID)
		}
		if err != nil {
			return storageErr("create character", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?)`),
			c.ID, w.Address, w.Balance, toMillis(w.UpdatedAt))
		if isDuplicate(err) {
			return fmt.Errorf("%w: wallet for %s exists", core.ErrConflict, c.ID)
		}
		if err != nil {
			return storageErr("create wallet", err)
		}
		return nil
	})
}

func (s *Store) GetCharacter(ctx context.Context, id core.CharacterID) (core.Character, error) {
	return s.loadCharacter(ctx, s.db, id, "")
}

func (s *Store) GetWallet(ctx context.Context, id core.CharacterID) (core.Wallet, error) {
	return s.loadWallet(ctx, s.db, id, "")
}

func (s *Store) loadCharacter(ctx context.Context, q sqlx.QueryerContext, id core.CharacterID, suffix string) (core.Character, error) {
	var row characterRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`SELECT `+characterColumns+` FROM characters WHERE id = ?`+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Character{}, fmt.Errorf("%w: character %s", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Character{}, storageErr("get character", err)
	}
	return row.character()
}

func (s *Store) loadWallet(ctx context.Context, q sqlx.QueryerContext, id core.CharacterID, suffix string) (core.Wallet, error) {
	var row walletRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`SELECT `+walletColumns+` FROM wallets WHERE character_id = ?`+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Wallet{}, fmt.Errorf("%w: wallet for %s", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Wallet{}, storageErr("get wallet", err)
	}
	return row.wallet(), nil
}

func (s *Store) writeCharacter(ctx context.Context, tx *sqlx.Tx, c core.Character) error {
	stats, err := statsJSON(c.Stats)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`UPDATE characters SET name = ?, position = ?, experience = ?, level = ?, skill_points = ?, stats = ?, updated_at = ? WHERE id = ?`),
		c.Name, c.Position, c.Experience, c.Level, c.AvailableSkillPoints, stats, toMillis(c.UpdatedAt), c.ID)
	if err != nil {
		return storageErr("update character", err)
	}
	return nil
}

func (s *Store) UpdateCharacter(ctx context.Context, id core.CharacterID, fn func(*core.Character) error) (core.Character, error) {
	var out core.Character
	err := s.inTx(ctx, "update character", func(tx *sqlx.Tx) error {
		c, err := s.loadCharacter(ctx, tx, id, s.forUpdate())
		if err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		c.ID = id
		out = c
		return s.writeCharacter(ctx, tx, c)
	})
	return out, err
}

func (s *Store) Settle(ctx context.Context, eventID core.EventID, characterID core.CharacterID, fn engine.SettleFunc) (core.SettlementRecord, bool, error) {
	var (
		rec     core.SettlementRecord
		applied bool
		lost    bool
	)
	err := s.inTx(ctx, "settle", func(tx *sqlx.Tx) error {
		existing, err := s.loadSettlement(ctx, tx, eventID)
		if err == nil {
			rec = existing
			return nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return err
		}

		c, err := s.loadCharacter(ctx, tx, characterID, s.forUpdate())
		if err != nil {
			return err
		}
		w, err := s.loadWallet(ctx, tx, characterID, s.forUpdate())
		if err != nil {
			return err
		}
		nc, nw, next, err := fn(c, w)
		if err != nil {
			return err
		}

		// the primary key on event_id decides a race between two transactions
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO settlements (`+settlementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			eventID, next.CharacterID, next.Reason, next.ExperienceDelta, next.CurrencyDelta, next.BonusSkillPoints,
			next.SkillPointsGranted, next.LevelBefore, next.LevelAfter, next.ExperienceAfter, next.BalanceAfter, toMillis(next.AppliedAt))
		if isDuplicate(err) {
			lost = true
			return err
		}
		if err != nil {
			return storageErr("insert settlement", err)
		}
		if err := s.writeCharacter(ctx, tx, nc); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE wallets SET balance = ?, updated_at = ? WHERE character_id = ?`),
			nw.Balance, toMillis(nw.UpdatedAt), characterID)
		if err != nil {
			return storageErr("update wallet", err)
		}
		rec, applied = next, true
		return nil
	})
	if lost {
		existing, err := s.GetSettlement(ctx, eventID)
		return existing, false, err
	}
	if err != nil {
		return core.SettlementRecord{}, false, err
	}
	return rec, applied, nil
}

func (s *Store) GetSettlement(ctx context.Context, eventID core.EventID) (core.SettlementRecord, error) {
	return s.loadSettlement(ctx, s.db, eventID)
}

func (s *Store) loadSettlement(ctx context.Context, q sqlx.QueryerContext, eventID core.EventID) (core.SettlementRecord, error) {
	var row settlementRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`SELECT `+settlementColumns+` FROM settlements WHERE event_id = ?`), eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SettlementRecord{}, fmt.Errorf("%w: settlement %s", core.ErrNotFound, eventID)
	}
	if err != nil {
		return core.SettlementRecord{}, storageErr("get settlement", err)
	}
	return row.record(), nil
}

var _ engine.Storage = (*Store)(nil)
