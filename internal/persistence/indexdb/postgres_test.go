package indexdb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"idlegrove.app/internal/sim/session"
)

func TestOpenPostgres_RejectsEmptyDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), "  ", nil); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

// Runs against a live database only when IDLEGROVE_TEST_POSTGRES_DSN is set.
func TestPostgresIndex_LeaderboardUpsert(t *testing.T) {
	dsn := os.Getenv("IDLEGROVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IDLEGROVE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idx, err := OpenPostgres(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer idx.Close()

	id := fmt.Sprintf("test-%d", time.Now().UnixNano())
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := idx.UpsertScore(ctx, session.Score{PlayerID: id, DisplayName: "First", Score: 1, UpdatedAt: at}); err != nil {
		t.Fatalf("UpsertScore: %v", err)
	}
	if err := idx.UpsertScore(ctx, session.Score{PlayerID: id, DisplayName: "Second", Score: 1 << 50, UpdatedAt: at.Add(time.Minute)}); err != nil {
		t.Fatalf("UpsertScore: %v", err)
	}

	top, err := idx.TopScores(ctx, 1000)
	if err != nil {
		t.Fatalf("TopScores: %v", err)
	}
	var found *ScoreRow
	for i := range top {
		if top[i].PlayerID == id {
			found = &top[i]
		}
	}
	if found == nil {
		t.Fatalf("player %s missing from top scores", id)
	}
	if found.DisplayName != "Second" || found.Score != 1<<50 {
		t.Fatalf("row=%+v", *found)
	}
	if _, err := idx.db.Exec(ctx, `DELETE FROM leaderboard WHERE player_id = $1`, id); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
