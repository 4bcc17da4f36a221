package quota

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// UsageStore persists the daily token ledger so quota survives restarts.
// Implementations must be safe for concurrent use.
type UsageStore interface {
	// LoadDay returns the stored token count for a node on a UTC day key,
	// or 0 when no row exists.
	LoadDay(ctx context.Context, nodeID, dayKey string) (int64, error)

	// AddTokens adds to a node's counter for a day and returns the new total.
	AddTokens(ctx context.Context, nodeID, dayKey string, tokens int64) (int64, error)

	// DeleteNode removes every row for a node.
	DeleteNode(ctx context.Context, nodeID string) error

	// DeleteBefore removes rows for days older than the key and returns the
	// number deleted. Day keys are "2006-01-02" so string order is date order.
	DeleteBefore(ctx context.Context, dayKey string) (int64, error)

	// Close releases the underlying resources.
	Close() error
}

// PersistenceConfig configures the SQL usage ledger.
type PersistenceConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver"`
	// DSN is the connection string (file path for sqlite).
	DSN      string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	MaxConns int    `yaml:"max_conns" json:"max_conns" mapstructure:"max_conns"`
	MaxIdle  int    `yaml:"max_idle" json:"max_idle" mapstructure:"max_idle"`
}

// SetDefaults applies defaults for missing fields.
func (c *PersistenceConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = ".flotilla/quota_usage.db"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 1
	}
}

// Validate checks the config.
func (c *PersistenceConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver: %s (supported: sqlite, postgres, mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

const createUsageTableSQL = `
CREATE TABLE IF NOT EXISTS quota_usage (
    node_id TEXT NOT NULL,
    day TEXT NOT NULL,
    tokens BIGINT NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (node_id, day)
);
`

// SQLUsageStore is the SQL-backed usage ledger. Writes are serialized by a
// mutex; the update-then-insert upsert stays portable across dialects.
type SQLUsageStore struct {
	db      *sql.DB
	dialect string
	writeMu sync.Mutex
}

// NewSQLUsageStore opens the database from config and initializes the schema.
func NewSQLUsageStore(cfg PersistenceConfig) (*SQLUsageStore, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quota persistence config: %w", err)
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)
	if cfg.Driver == "sqlite" && strings.Contains(cfg.DSN, ":memory:") {
		// Each in-memory sqlite connection is its own database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	s := &SQLUsageStore{db: db, dialect: cfg.Driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLUsageStoreWithDB wraps an existing connection (tests).
func NewSQLUsageStoreWithDB(db *sql.DB, dialect string) (*SQLUsageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLUsageStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLUsageStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createUsageTableSQL); err != nil {
		return fmt.Errorf("failed to create quota_usage table: %w", err)
	}
	return nil
}

// rebind converts ?-placeholders to the dialect's form.
func (s *SQLUsageStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LoadDay returns the stored token count for a node and day, or 0.
func (s *SQLUsageStore) LoadDay(ctx context.Context, nodeID, dayKey string) (int64, error) {
	var tokens int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT tokens FROM quota_usage WHERE node_id = ? AND day = ?`),
		nodeID, dayKey,
	).Scan(&tokens)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load usage: %w", err)
	}
	return tokens, nil
}

// AddTokens adds to a node's counter for a day and returns the new total.
func (s *SQLUsageStore) AddTokens(ctx context.Context, nodeID, dayKey string, tokens int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE quota_usage SET tokens = tokens + ?, updated_at = ? WHERE node_id = ? AND day = ?`),
		tokens, now, nodeID, dayKey,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.ExecContext(ctx,
			s.rebind(`INSERT INTO quota_usage (node_id, day, tokens, updated_at) VALUES (?, ?, ?, ?)`),
			nodeID, dayKey, tokens, now,
		); err != nil {
			return 0, fmt.Errorf("failed to insert usage: %w", err)
		}
	}

	var total int64
	err = s.db.QueryRowContext(ctx,
		s.rebind(`SELECT tokens FROM quota_usage WHERE node_id = ? AND day = ?`),
		nodeID, dayKey,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to read updated usage: %w", err)
	}
	return total, nil
}

// DeleteNode removes every row for a node.
func (s *SQLUsageStore) DeleteNode(ctx context.Context, nodeID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM quota_usage WHERE node_id = ?`), nodeID,
	); err != nil {
		return fmt.Errorf("failed to delete usage: %w", err)
	}
	return nil
}

// DeleteBefore removes rows older than the day key and returns the count.
func (s *SQLUsageStore) DeleteBefore(ctx context.Context, dayKey string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM quota_usage WHERE day < ?`), dayKey,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database.
func (s *SQLUsageStore) Close() error {
	return s.db.Close()
}
