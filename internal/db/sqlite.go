package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ssuji15/taskcompile/internal/config"
	_ "modernc.org/sqlite"
)

// SqliteDB is the single node history store.
type SqliteDB struct {
	Conn *sql.DB
}

func NewSqlite(ctx context.Context) (*SqliteDB, error) {
	cfg, err := config.GetSqliteConfig()
	if err != nil {
		return nil, err
	}
	return OpenSqlite(ctx, cfg.PATH)
}

func OpenSqlite(ctx context.Context, path string) (*SqliteDB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		// store timestamps in a sortable layout instead of time.String
		dsn += "?_time_format=sqlite"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// sqlite allows a single writer
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	if _, err := conn.ExecContext(ctx, SqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &SqliteDB{Conn: conn}, nil
}

func (d *SqliteDB) Close() error {
	return d.Conn.Close()
}
