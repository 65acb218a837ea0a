package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres keeps the token table in the server database.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping token db: %w", err)
	}

	ledger := &Postgres{db: db}
	if err := ledger.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// NewPostgresWithDB wraps an existing handle; the caller owns its lifetime.
func NewPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			expires BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create tokens table: %w", err)
	}
	return nil
}

func (p *Postgres) TokenUsed(ctx context.Context, token string) (bool, error) {
	// Single round trip: the insert succeeds only for a fresh token.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO tokens (token, expires)
		VALUES ($1, $2)
		ON CONFLICT (token) DO NOTHING
	`, token, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("record token: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record token: %w", err)
	}
	return inserted == 1, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
