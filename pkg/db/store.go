// Package db persists shows, episodes and movies in Postgres.
//
// Every write runs in its own transaction and is keyed on the entity URL, so replaying
// a write converges to the same row. Failures are classified into constraint, schema and
// transient errors; only transient ones are retried here.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/config"
	"farsiland-scraper/pkg/retry"
)

// pool is the subset of *pgxpool.Pool the store needs; pgxmock's pool satisfies it too
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store writes entities through a Postgres connection pool
type Store struct {
	pool      pool
	policy    retry.Policy
	retryOpts []retry.Option
	log       *logrus.Entry
}

// New connects to cfg.URL and verifies the connection with a ping
func New(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Entry) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := NewWithPool(p, cfg.MaxRetries, log)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		p.Close()
		return nil, err
	}
	log.Infof("Connected to Postgres (max_conns=%d)", poolCfg.MaxConns)
	return s, nil
}

func connectTimeout(cfg config.DatabaseConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return 10 * time.Second
}

// NewWithPool builds a Store on an existing pool (used by tests with pgxmock).
// maxAttempts bounds the attempts for transient failures; values below 1 mean one attempt.
func NewWithPool(p pool, maxAttempts int, log *logrus.Entry) *Store {
	return &Store{
		pool: p,
		policy: retry.Policy{
			MaxAttempts: maxAttempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		log: log,
	}
}

// WithRetryOptions customizes the transient retry loop (tests use it to skip sleeping)
func (s *Store) WithRetryOptions(opts ...retry.Option) *Store {
	s.retryOpts = append(s.retryOpts, opts...)
	return s
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return Classify("ping", "", err)
	}
	return nil
}

// Close releases the pool
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// withTx runs fn inside BEGIN ... COMMIT, rolling back on any error. Transient failures
// rerun the whole transaction up to the configured attempts; others return at once.
func (s *Store) withTx(ctx context.Context, op, url string, fn func(tx pgx.Tx) error) error {
	opLog := s.log.WithFields(logrus.Fields{"op": op, "url": url})

	opts := append([]retry.Option{
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			opLog.Warnf("Transient database error (attempt %d/%d), retrying in %v: %v",
				attempt, s.policy.MaxAttempts, delay, err)
		}),
	}, s.retryOpts...)

	_, err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		dbErr := Classify(op, url, err)
		if dbErr.Kind == KindTransient {
			return dbErr
		}
		return retry.Permanent(dbErr)
	}, opts...)
	if err == nil {
		return nil
	}

	if dbErr, ok := err.(*Error); ok {
		return dbErr
	}
	// Context ended between attempts; the last classified error stays reachable through Err
	return &Error{Kind: KindUnknown, Op: op, URL: url, Err: err}
}

func (s *Store) runTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.log.Debugf("Rollback failed: %v", rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
