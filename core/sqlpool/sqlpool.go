// Package sqlpool implements the pooled SQL handle collaborator the
// HTTP parser uses to verify and register credentials for the
// /login and /register endpoints. It is the Go counterpart of the
// original server's SqlConnPool (sqlconnpool.h): a counting semaphore
// bounds the number of connections handed out at once, and Borrow
// blocks rather than erroring when the pool is exhausted.
package sqlpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// Pool hands out *sql.Conn handles bounded by a counting semaphore,
// mirroring sqlconnpool.h's sem_t discipline on top of database/sql's
// own connection management.
type Pool struct {
	db  *sql.DB
	sem chan struct{}
}

// Config carries the SQL collaborator's startup parameters: host,
// port, user, password, database name, and pool size.
type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	ConnPoolSize int
}

// Open creates a Pool against the given MySQL database, sizing both
// database/sql's own pool and the counting semaphore to ConnPoolSize
// so Borrow's blocking behavior is driven by the semaphore, not by
// database/sql silently queuing beneath it.
func Open(cfg Config) (*Pool, error) {
	if cfg.ConnPoolSize <= 0 {
		cfg.ConnPoolSize = 8
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlpool: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.ConnPoolSize)
	db.SetMaxIdleConns(cfg.ConnPoolSize)

	p := &Pool{
		db:  db,
		sem: make(chan struct{}, cfg.ConnPoolSize),
	}
	for i := 0; i < cfg.ConnPoolSize; i++ {
		p.sem <- struct{}{}
	}
	return p, nil
}

// Handle is a borrowed connection; callers must pass it to Return
// exactly once.
type Handle struct {
	conn *sql.Conn
}

// Borrow blocks until a connection slot is available or ctx is done.
// This is the Go equivalent of sem_wait on sqlconnpool.h's semId_.
func (p *Pool) Borrow(ctx context.Context) (*Handle, error) {
	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.sem <- struct{}{}
		return nil, fmt.Errorf("sqlpool: borrow: %w", err)
	}
	return &Handle{conn: conn}, nil
}

// Return releases h back to the pool. Passing a nil handle is a
// no-op, matching FreeConn's tolerance of being called defensively.
func (p *Pool) Return(h *Handle) {
	if h == nil {
		return
	}
	h.conn.Close()
	p.sem <- struct{}{}
}

// Close closes the underlying database/sql pool. Any Borrow already
// in flight still returns its handle normally via Return.
func (p *Pool) Close() error {
	return p.db.Close()
}

// VerifyCredentials checks a username/password pair against the
// users table, mirroring the original login query's exact-match
// semantics (the original stores plaintext passwords; this is
// preserved rather than silently introducing password hashing).
func VerifyCredentials(ctx context.Context, h *Handle, username, password string) (bool, error) {
	row := h.conn.QueryRowContext(ctx, "SELECT password FROM user WHERE username = ?", username)

	var stored string
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return stored == password, nil
}

// InsertCredentials registers a new username/password pair, used by
// /register. It returns false (no error) if the username already
// exists, matching the original's silent-failure-on-duplicate
// behavior rather than surfacing a constraint-violation error to the
// HTTP layer.
func InsertCredentials(ctx context.Context, h *Handle, username, password string) (bool, error) {
	var exists int
	row := h.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM user WHERE username = ?", username)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	if exists > 0 {
		return false, nil
	}

	_, err := h.conn.ExecContext(ctx, "INSERT INTO user(username, password) VALUES (?, ?)", username, password)
	if err != nil {
		return false, err
	}
	return true, nil
}
