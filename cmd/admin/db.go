package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"idlegrove.app/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (default: <data>/index/idlegrove.sqlite)")
	playerID := fs.String("player", "", "player_id filter (saves, runs)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "leaderboard"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "idlegrove.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runQuery(ctx, db, os.Stdout, q, strings.TrimSpace(*playerID), *limit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-db PATH] [-player ID] [-limit N] leaderboard|saves|runs|catalogs")
		os.Exit(1)
	}
}

// runQuery prints one JSON object per row of the named index table.
func runQuery(ctx context.Context, db *sql.DB, w io.Writer, q, playerID string, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	switch q {
	case "leaderboard":
		rows, err := db.QueryContext(ctx, `SELECT player_id,display_name,score,updated_at FROM leaderboard ORDER BY score DESC, updated_at ASC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r  indexdb.ScoreRow
				at string
			)
			if err := rows.Scan(&r.PlayerID, &r.DisplayName, &r.Score, &at); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
			printJSON(w, r)
		}
		return rows.Err()

	case "saves":
		query := `SELECT player_id,path,save_version,persisted_at FROM saves ORDER BY persisted_at DESC LIMIT ?`
		qargs := []any{limit}
		if playerID != "" {
			query = `SELECT player_id,path,save_version,persisted_at FROM saves WHERE player_id=? LIMIT ?`
			qargs = []any{playerID, limit}
		}
		rows, err := db.QueryContext(ctx, query, qargs...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r indexdb.SaveRow
			if err := rows.Scan(&r.PlayerID, &r.Path, &r.SaveVersion, &r.PersistedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(w, r)
		}
		return rows.Err()

	case "runs":
		query := `SELECT player_id,run,path,seeds_before,final_currency,all_time_produced,recorded_at FROM runs ORDER BY recorded_at DESC LIMIT ?`
		qargs := []any{limit}
		if playerID != "" {
			query = `SELECT player_id,run,path,seeds_before,final_currency,all_time_produced,recorded_at FROM runs WHERE player_id=? ORDER BY run LIMIT ?`
			qargs = []any{playerID, limit}
		}
		rows, err := db.QueryContext(ctx, query, qargs...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r indexdb.RunRow
			if err := rows.Scan(&r.PlayerID, &r.Run, &r.Path, &r.SeedsBefore, &r.FinalCurrency, &r.AllTimeProduced, &r.RecordedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(w, r)
		}
		return rows.Err()

	case "catalogs":
		rows, err := db.QueryContext(ctx, `SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r indexdb.CatalogRow
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(w, r)
		}
		return rows.Err()
	}
	return fmt.Errorf("unknown query: %s", q)
}
