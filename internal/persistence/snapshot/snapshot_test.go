package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func sampleSave() SaveV1 {
	return SaveV1{
		Header:           Header{SaveVersion: 7, PlayerID: "p1", PersistedAt: 1700000000000},
		Currency:         123.5,
		LifetimeCurrency: 999,
		Producers:        []LevelV1{{ID: "seedling", Level: 10}, {ID: "sapling", Level: 2}},
		PerItemLifetimeProduction: map[string]float64{
			"seedling": 40,
		},
		PrestigeCurrency: 3,
		PrestigeCount:    1,
		PrestigeUpgrades: []LevelV1{{ID: "golden_shovel", Level: 1}},
		Achievements:     []string{"first_click"},
		SessionStartTime: 1699999000000,
		LastPersistTime:  1700000000000,
		Stats:            StatsV1{TotalManualActions: 12, TotalCurrencyProduced: 1500, TotalPlayTimeSeconds: 60},
		SaveVersion:      7,
	}
}

func TestWriteReadSave_PreservesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "players", "p1", SaveFileName)
	want := sampleSave()
	if err := WriteSave(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadSave(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Currency != want.Currency || got.LifetimeCurrency != want.LifetimeCurrency {
		t.Fatalf("currency mismatch: got=%v/%v", got.Currency, got.LifetimeCurrency)
	}
	if len(got.Producers) != 2 || got.Producers[0].ID != "seedling" || got.Producers[0].Level != 10 {
		t.Fatalf("producers mismatch: %+v", got.Producers)
	}
	if got.PerItemLifetimeProduction["seedling"] != 40 {
		t.Fatalf("per-item production mismatch: %+v", got.PerItemLifetimeProduction)
	}
	if got.SaveVersion != 7 || got.Stats.TotalManualActions != 12 {
		t.Fatalf("version/stats mismatch: %+v", got)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.PlayerID != "p1" || h.SaveVersion != 7 {
		t.Fatalf("header mismatch: %+v", h)
	}
}

func TestWriteSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SaveFileName)
	for i := 0; i < 3; i++ {
		if err := WriteSave(path, sampleSave()); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the save file, got %d entries", len(entries))
	}
}

func TestFileStore_MissingSaveIsNil(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nobody"))
	got, err := s.LoadSave(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil save, got %+v", got)
	}
}

func TestFileStore_CorruptSaveIsError(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	if err := os.WriteFile(s.Path, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.LoadSave(context.Background()); err == nil {
		t.Fatalf("expected error for corrupt save")
	}
}

func TestFileStore_OnWriteHook(t *testing.T) {
	s := NewFileStore(t.TempDir())
	var written string
	s.OnWrite = func(p string) { written = p }
	if err := s.WriteSave(context.Background(), sampleSave()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if written != s.Path {
		t.Fatalf("hook path=%q want %q", written, s.Path)
	}
}
