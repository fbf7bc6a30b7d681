package indexdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"idlegrove.app/internal/persistence/archive"
	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/session"
	"idlegrove.app/internal/sim/tuning"
)

// Index is a secondary, queryable copy of leaderboard scores, save locations
// and prestige runs. The save files stay the source of truth.
type Index interface {
	session.ScoreReporter
	RecordSave(playerID, path string, h snapshot.Header)
	RecordRun(playerID, path string, meta archive.RunArchiveMeta)
	UpsertCatalogs(ctx context.Context, cats *catalogs.Catalogs, tune tuning.Tuning) error
	TopScores(ctx context.Context, n int) ([]ScoreRow, error)
	Stats() Stats
	Close() error
}

type ScoreRow struct {
	PlayerID    string    `json:"player_id"`
	DisplayName string    `json:"display_name"`
	Score       int64     `json:"score"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type SaveRow struct {
	PlayerID    string `json:"player_id"`
	Path        string `json:"path"`
	SaveVersion int    `json:"save_version"`
	PersistedAt string `json:"persisted_at"`
}

type RunRow struct {
	PlayerID        string  `json:"player_id"`
	Run             int     `json:"run"`
	Path            string  `json:"path"`
	SeedsBefore     int64   `json:"seeds_before"`
	FinalCurrency   float64 `json:"final_currency"`
	AllTimeProduced float64 `json:"all_time_produced"`
	RecordedAt      string  `json:"recorded_at"`
}

type CatalogRow struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	JSON      string `json:"json"`
	UpdatedAt string `json:"updated_at"`
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	QueueDroppedTotal uint64
	FlushOKTotal      uint64
	FlushFailTotal    uint64
}

func scoreRow(s session.Score) ScoreRow {
	return ScoreRow{
		PlayerID:    s.PlayerID,
		DisplayName: s.DisplayName,
		Score:       s.Score,
		UpdatedAt:   s.UpdatedAt.UTC(),
	}
}

func saveRow(playerID, path string, h snapshot.Header) SaveRow {
	return SaveRow{
		PlayerID:    playerID,
		Path:        path,
		SaveVersion: h.SaveVersion,
		PersistedAt: time.UnixMilli(h.PersistedAt).UTC().Format(time.RFC3339Nano),
	}
}

func runRow(playerID, path string, meta archive.RunArchiveMeta) RunRow {
	return RunRow{
		PlayerID:        playerID,
		Run:             meta.Run,
		Path:            path,
		SeedsBefore:     meta.SeedsBefore,
		FinalCurrency:   meta.FinalCurrency,
		AllTimeProduced: meta.AllTimeProduced,
		RecordedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// catalogRows canonicalizes the loaded catalogs and the applied tuning to JSON.
func catalogRows(cats *catalogs.Catalogs, tune tuning.Tuning) []CatalogRow {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var rows []CatalogRow
	add := func(name, digest string, v any) {
		b, err := json.Marshal(v)
		if err != nil || len(b) == 0 {
			return
		}
		if digest == "" {
			sum := sha256.Sum256(b)
			digest = hex.EncodeToString(sum[:])
		}
		rows = append(rows, CatalogRow{Name: name, Digest: digest, JSON: string(b), UpdatedAt: now})
	}
	if cats != nil {
		add("items", cats.Items.Digest, cats.Items.Defs)
		add("prestige", cats.Prestige.Digest, cats.Prestige.Defs)
		add("achievements", cats.Achievements.Digest, cats.Achievements.Defs)
		add("catalogs", cats.Digest, map[string]any{"save_version": cats.SaveVersion})
	}
	add("tuning", "", tune)
	return rows
}

// Nop is used when no index backend is configured.
type Nop struct{}

func (Nop) UpsertScore(context.Context, session.Score) error { return nil }
func (Nop) RecordSave(string, string, snapshot.Header)       {}
func (Nop) RecordRun(string, string, archive.RunArchiveMeta) {}
func (Nop) UpsertCatalogs(context.Context, *catalogs.Catalogs, tuning.Tuning) error {
	return nil
}
func (Nop) TopScores(context.Context, int) ([]ScoreRow, error) { return nil, nil }
func (Nop) Stats() Stats                                       { return Stats{} }
func (Nop) Close() error                                       { return nil }
