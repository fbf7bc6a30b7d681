package indexdb

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"idlegrove.app/internal/persistence/archive"
	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/session"
	"idlegrove.app/internal/sim/tuning"
)

// PostgresIndex writes scores synchronously (the caller is already off the
// game loop) and records saves and runs from a small background queue.
type PostgresIndex struct {
	db  *pgxpool.Pool
	log *log.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped  atomic.Uint64
	flushOK  atomic.Uint64
	flushBad atomic.Uint64
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS leaderboard (
	player_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	score BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leaderboard_score ON leaderboard(score DESC);
CREATE TABLE IF NOT EXISTS saves (
	player_id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	save_version INTEGER NOT NULL,
	persisted_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	player_id TEXT NOT NULL,
	run INTEGER NOT NULL,
	path TEXT NOT NULL,
	seeds_before BIGINT NOT NULL,
	final_currency DOUBLE PRECISION NOT NULL,
	all_time_produced DOUBLE PRECISION NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (player_id, run)
);
CREATE TABLE IF NOT EXISTS catalogs (
	name TEXT PRIMARY KEY,
	digest TEXT NOT NULL,
	json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

func OpenPostgres(ctx context.Context, dsn string, logger *log.Logger) (*PostgresIndex, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	p := &PostgresIndex{db: db, log: logger, ch: make(chan req, 4096)}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
	return p, nil
}

func (p *PostgresIndex) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.ch)
		p.wg.Wait()
		p.db.Close()
	})
	return nil
}

func (p *PostgresIndex) UpsertScore(ctx context.Context, sc session.Score) error {
	r := scoreRow(sc)
	_, err := p.db.Exec(ctx, `
		INSERT INTO leaderboard (player_id, display_name, score, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (player_id) DO UPDATE
		SET display_name = EXCLUDED.display_name, score = EXCLUDED.score, updated_at = EXCLUDED.updated_at
	`, r.PlayerID, r.DisplayName, r.Score, r.UpdatedAt)
	return err
}

func (p *PostgresIndex) RecordSave(playerID, path string, h snapshot.Header) {
	p.enqueue(req{kind: reqSave, save: saveRow(playerID, path, h)})
}

func (p *PostgresIndex) RecordRun(playerID, path string, meta archive.RunArchiveMeta) {
	if meta.Run <= 0 || path == "" {
		return
	}
	p.enqueue(req{kind: reqRun, run: runRow(playerID, path, meta)})
}

func (p *PostgresIndex) UpsertCatalogs(ctx context.Context, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, r := range catalogRows(cats, tune) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO catalogs (name, digest, json, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO UPDATE
			SET digest = EXCLUDED.digest, json = EXCLUDED.json, updated_at = EXCLUDED.updated_at
		`, r.Name, r.Digest, r.JSON, r.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresIndex) TopScores(ctx context.Context, n int) ([]ScoreRow, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := p.db.Query(ctx, `
		SELECT player_id, display_name, score, updated_at
		FROM leaderboard
		ORDER BY score DESC, updated_at ASC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScoreRow
	for rows.Next() {
		var r ScoreRow
		if err := rows.Scan(&r.PlayerID, &r.DisplayName, &r.Score, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresIndex) Stats() Stats {
	return Stats{
		QueueDepth:        len(p.ch),
		QueueCapacity:     cap(p.ch),
		QueueDroppedTotal: p.dropped.Load(),
		FlushOKTotal:      p.flushOK.Load(),
		FlushFailTotal:    p.flushBad.Load(),
	}
}

func (p *PostgresIndex) enqueue(r req) {
	if p.closed.Load() {
		return
	}
	select {
	case p.ch <- r:
	default:
		p.dropped.Add(1)
	}
}

func (p *PostgresIndex) loop() {
	for r := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		switch r.kind {
		case reqSave:
			sv := r.save
			_, err = p.db.Exec(ctx, `
				INSERT INTO saves (player_id, path, save_version, persisted_at) VALUES ($1, $2, $3, $4)
				ON CONFLICT (player_id) DO UPDATE
				SET path = EXCLUDED.path, save_version = EXCLUDED.save_version, persisted_at = EXCLUDED.persisted_at
			`, sv.PlayerID, sv.Path, sv.SaveVersion, sv.PersistedAt)
		case reqRun:
			ru := r.run
			_, err = p.db.Exec(ctx, `
				INSERT INTO runs (player_id, run, path, seeds_before, final_currency, all_time_produced, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (player_id, run) DO NOTHING
			`, ru.PlayerID, ru.Run, ru.Path, ru.SeedsBefore, ru.FinalCurrency, ru.AllTimeProduced, ru.RecordedAt)
		}
		cancel()
		if err != nil {
			p.flushBad.Add(1)
			if p.log != nil {
				p.log.Printf("postgres index write failed kind=%d err=%v", r.kind, err)
			}
			continue
		}
		p.flushOK.Add(1)
	}
}
