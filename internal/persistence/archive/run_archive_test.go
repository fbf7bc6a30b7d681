package archive

import (
	"os"
	"path/filepath"
	"testing"

	"idlegrove.app/internal/persistence/snapshot"
)

func TestArchiveRun_WritesSaveAndMeta(t *testing.T) {
	playerDir := filepath.Join(t.TempDir(), "players", "p1")

	pre := snapshot.SaveV1{
		Header:           snapshot.Header{SaveVersion: 7, PlayerID: "p1"},
		Currency:         2_000_000,
		LifetimeCurrency: 2_500_000,
		Stats:            snapshot.StatsV1{TotalCurrencyProduced: 3_000_000},
		SaveVersion:      7,
	}

	path, meta, err := ArchiveRun(playerDir, 1, pre)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if path != filepath.Join(playerDir, "archives", "run_001", snapshot.SaveFileName) {
		t.Fatalf("unexpected path %s", path)
	}
	if meta.Run != 1 || meta.PlayerID != "p1" || meta.FinalCurrency != 2_000_000 {
		t.Fatalf("unexpected meta %+v", meta)
	}

	got, err := snapshot.ReadSave(path)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if got.Currency != pre.Currency {
		t.Fatalf("archived currency=%v want %v", got.Currency, pre.Currency)
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "meta.json")); err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}
	back, err := ReadMeta(playerDir, 1)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if back.AllTimeProduced != 3_000_000 {
		t.Fatalf("meta all_time_produced=%v", back.AllTimeProduced)
	}
}

func TestArchiveRun_RejectsInvalidRun(t *testing.T) {
	if _, _, err := ArchiveRun(t.TempDir(), 0, snapshot.SaveV1{}); err == nil {
		t.Fatalf("expected error for run 0")
	}
}
