package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// schemaStatements create the three tables and the episode parent index. Each is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS shows (
	url            TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	title_fa       TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	poster         TEXT NOT NULL DEFAULT '',
	first_air_date TEXT NOT NULL DEFAULT '',
	rating         DOUBLE PRECISION NOT NULL DEFAULT 0,
	genres         JSONB NOT NULL DEFAULT '[]',
	directors      JSONB NOT NULL DEFAULT '[]',
	cast_members   JSONB NOT NULL DEFAULT '[]',
	seasons        JSONB NOT NULL DEFAULT '[]',
	episode_count  INTEGER NOT NULL DEFAULT 0,
	lastmod        TEXT NOT NULL DEFAULT '',
	last_scraped   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS episodes (
	url            TEXT PRIMARY KEY,
	show_url       TEXT REFERENCES shows(url) ON DELETE SET NULL,
	title          TEXT NOT NULL,
	season_number  INTEGER NOT NULL DEFAULT 0,
	episode_number INTEGER NOT NULL DEFAULT 0,
	air_date       TEXT NOT NULL DEFAULT '',
	thumbnail      TEXT NOT NULL DEFAULT '',
	video_links    JSONB NOT NULL DEFAULT '[]',
	lastmod        TEXT NOT NULL DEFAULT '',
	last_scraped   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_show_url ON episodes(show_url)`,
	`CREATE TABLE IF NOT EXISTS movies (
	url          TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	title_fa     TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	poster       TEXT NOT NULL DEFAULT '',
	year         INTEGER NOT NULL DEFAULT 0,
	rating       DOUBLE PRECISION NOT NULL DEFAULT 0,
	video_links  JSONB NOT NULL DEFAULT '[]',
	lastmod      TEXT NOT NULL DEFAULT '',
	last_scraped TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
}

// EnsureSchema creates any missing tables and indexes in one transaction
func (s *Store) EnsureSchema(ctx context.Context) error {
	err := s.withTx(ctx, "ensure_schema", "", func(tx pgx.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("Database schema is up to date")
	return nil
}
