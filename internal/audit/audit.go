// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Package audit records what the agent did with the token: which reader was
// configured, how many identities were listed, which key signed. PINs and
// signed data are never recorded. The log is optional and backed by any of
// the SQL engines bun supports here (sqlite, postgres, mysql).
package audit // import "github.com/toeirei/tokenagent/internal/audit"

import (
	"context"
	"database/sql"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/toeirei/tokenagent/internal/logging"
)

// Action names an audited agent operation.
type Action string

const (
	ActionAddKey         Action = "ADD_KEY"
	ActionListIdentities Action = "LIST_IDENTITIES"
	ActionSign           Action = "SIGN"
)

// Event is one audited operation. Err is nil on success.
type Event struct {
	Action Action
	Reader string
	Detail string
	Err    error
}

// Recorder receives audit events. Implementations must not block the agent
// for long and must never fail the request they describe.
type Recorder interface {
	Record(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}

// Entry is the stored form of an Event.
type Entry struct {
	bun.BaseModel `bun:"table:audit_log,alias:a"`

	ID        int64     `bun:"id,pk,autoincrement"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	Username  string    `bun:"username"`
	Action    string    `bun:"action,notnull"`
	Reader    string    `bun:"reader"`
	Detail    string    `bun:"detail"`
	Success   bool      `bun:"success"`
	Error     string    `bun:"error"`
}

// writeTimeout bounds a single insert so a slow database cannot hold up a
// signing request.
const writeTimeout = 2 * time.Second

// Log is a Recorder writing to a SQL database through bun.
type Log struct {
	db       *bun.DB
	username string
	logger   *log.Logger
}

// Open connects to the database, creates the audit table if needed and
// returns a ready Log. dbType is one of "sqlite", "postgres" or "mysql".
func Open(ctx context.Context, dbType, dsn string) (*Log, error) {
	driverName := dbType
	// The pgx stdlib registers driver name "pgx".
	if dbType == "postgres" {
		driverName = "pgx"
	}
	switch dbType {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported audit database type %q", dbType)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// In-memory SQLite is per connection; keep exactly one.
	if dbType == "sqlite" && strings.Contains(dsn, ":memory:") {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	bdb := createBunDB(sqlDB, dbType)
	if _, err := bdb.NewCreateTable().Model((*Entry)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &Log{db: bdb, username: currentUsername(), logger: logging.L}, nil
}

func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// currentUsername strips a DOMAIN\ prefix on Windows.
func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	if parts := strings.Split(u.Username, `\`); len(parts) > 1 {
		return parts[1]
	}
	return u.Username
}

// Record stores ev. Failures are logged and otherwise ignored.
func (l *Log) Record(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	e := Entry{
		CreatedAt: time.Now().UTC(),
		Username:  l.username,
		Action:    string(ev.Action),
		Reader:    ev.Reader,
		Detail:    ev.Detail,
		Success:   ev.Err == nil,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	if _, err := l.db.NewInsert().Model(&e).Exec(ctx); err != nil {
		l.logger.Warn("audit write failed", "action", ev.Action, "err", err)
	}
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := l.db.NewSelect().Model(&entries).Order("id DESC").Limit(limit).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
