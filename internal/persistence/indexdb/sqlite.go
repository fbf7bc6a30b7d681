package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"idlegrove.app/internal/persistence/archive"
	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/session"
	"idlegrove.app/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	// mu guards closing ch against concurrent enqueues.
	mu     sync.RWMutex
	ch     chan req
	wg     sync.WaitGroup
	closed bool

	dropped  atomic.Uint64
	flushOK  atomic.Uint64
	flushBad atomic.Uint64
}

type reqKind int

const (
	reqScore reqKind = iota + 1
	reqSave
	reqRun
)

type req struct {
	kind reqKind

	score ScoreRow
	save  SaveRow
	run   RunRow
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS leaderboard (
			player_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			score INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_leaderboard_score ON leaderboard(score DESC);`,
		`CREATE TABLE IF NOT EXISTS saves (
			player_id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			save_version INTEGER NOT NULL,
			persisted_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			player_id TEXT NOT NULL,
			run INTEGER NOT NULL,
			path TEXT NOT NULL,
			seeds_before INTEGER NOT NULL,
			final_currency REAL NOT NULL,
			all_time_produced REAL NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (player_id, run)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

// enqueue never blocks; when the writer falls behind the request is dropped.
func (s *SQLiteIndex) enqueue(r req) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) UpsertScore(ctx context.Context, sc session.Score) error {
	s.enqueue(req{kind: reqScore, score: scoreRow(sc)})
	return nil
}

func (s *SQLiteIndex) RecordSave(playerID, path string, h snapshot.Header) {
	s.enqueue(req{kind: reqSave, save: saveRow(playerID, path, h)})
}

func (s *SQLiteIndex) RecordRun(playerID, path string, meta archive.RunArchiveMeta) {
	if meta.Run <= 0 || path == "" {
		return
	}
	s.enqueue(req{kind: reqRun, run: runRow(playerID, path, meta)})
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		QueueDroppedTotal: s.dropped.Load(),
		FlushOKTotal:      s.flushOK.Load(),
		FlushFailTotal:    s.flushBad.Load(),
	}
}

func (s *SQLiteIndex) UpsertCatalogs(ctx context.Context, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range catalogRows(cats, tune) {
		if _, err := stmt.ExecContext(ctx, r.Name, r.Digest, r.JSON, r.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) TopScores(ctx context.Context, n int) ([]ScoreRow, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT player_id,display_name,score,updated_at FROM leaderboard ORDER BY score DESC, updated_at ASC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScoreRow
	for rows.Next() {
		var (
			r  ScoreRow
			at string
		)
		if err := rows.Scan(&r.PlayerID, &r.DisplayName, &r.Score, &at); err != nil {
			return nil, err
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Runs lists a player's archived prestige runs, oldest first.
func (s *SQLiteIndex) Runs(ctx context.Context, playerID string) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT player_id,run,path,seeds_before,final_currency,all_time_produced,recorded_at FROM runs WHERE player_id=? ORDER BY run`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.PlayerID, &r.Run, &r.Path, &r.SeedsBefore, &r.FinalCurrency, &r.AllTimeProduced, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// writeBatch groups queued writes into one transaction. It commits when the
// queue drains, after commitEvery writes, or after commitMaxWait.
type writeBatch struct {
	db    *sql.DB
	stmts map[reqKind]*sql.Stmt

	tx      *sql.Tx
	n       int
	started time.Time
}

const (
	commitEvery   = 500
	commitMaxWait = 2 * time.Second
)

func newWriteBatch(db *sql.DB) *writeBatch {
	b := &writeBatch{db: db, stmts: map[reqKind]*sql.Stmt{}}
	for kind, q := range map[reqKind]string{
		reqScore: `INSERT INTO leaderboard(player_id,display_name,score,updated_at) VALUES(?,?,?,?)
			ON CONFLICT(player_id) DO UPDATE SET display_name=excluded.display_name, score=excluded.score, updated_at=excluded.updated_at`,
		reqSave: `INSERT OR REPLACE INTO saves(player_id,path,save_version,persisted_at) VALUES(?,?,?,?)`,
		reqRun:  `INSERT OR REPLACE INTO runs(player_id,run,path,seeds_before,final_currency,all_time_produced,recorded_at) VALUES(?,?,?,?,?,?,?)`,
	} {
		if st, err := db.Prepare(q); err == nil {
			b.stmts[kind] = st
		}
	}
	return b
}

func (r req) args() []any {
	switch r.kind {
	case reqScore:
		return []any{r.score.PlayerID, r.score.DisplayName, r.score.Score, r.score.UpdatedAt.Format(time.RFC3339Nano)}
	case reqSave:
		return []any{r.save.PlayerID, r.save.Path, r.save.SaveVersion, r.save.PersistedAt}
	case reqRun:
		return []any{r.run.PlayerID, r.run.Run, r.run.Path, r.run.SeedsBefore, r.run.FinalCurrency, r.run.AllTimeProduced, r.run.RecordedAt}
	}
	return nil
}

// add writes r into the open transaction, beginning one if needed. A failed
// write rolls back the whole batch.
func (b *writeBatch) add(r req) (ok bool, rolledBack bool) {
	st := b.stmts[r.kind]
	if st == nil {
		return false, false
	}
	if b.tx == nil {
		tx, err := b.db.Begin()
		if err != nil {
			return false, false
		}
		b.tx, b.n, b.started = tx, 0, time.Now()
	}
	if _, err := b.tx.Stmt(st).Exec(r.args()...); err != nil {
		_ = b.tx.Rollback()
		b.tx = nil
		return false, true
	}
	b.n++
	return true, false
}

func (b *writeBatch) due(queued int) bool {
	return b.tx != nil && (queued == 0 || b.n >= commitEvery || time.Since(b.started) >= commitMaxWait)
}

func (b *writeBatch) commit() error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Commit()
	b.tx = nil
	return err
}

func (b *writeBatch) close() {
	for _, st := range b.stmts {
		_ = st.Close()
	}
}

func (s *SQLiteIndex) loop() {
	b := newWriteBatch(s.db)
	defer b.close()

	for r := range s.ch {
		ok, rolledBack := b.add(r)
		switch {
		case rolledBack:
			s.flushBad.Add(1)
		case !ok:
			s.dropped.Add(1)
		}
		if b.due(len(s.ch)) {
			s.commit(b)
		}
	}
	s.commit(b)
}

func (s *SQLiteIndex) commit(b *writeBatch) {
	if b.tx == nil {
		return
	}
	if err := b.commit(); err != nil {
		s.flushBad.Add(1)
		return
	}
	s.flushOK.Add(1)
}
