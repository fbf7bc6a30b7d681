package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"idlegrove.app/internal/persistence/snapshot"
)

type RunArchiveMeta struct {
	Run              int     `json:"run"`
	PlayerID         string  `json:"player_id"`
	Save             string  `json:"save"`
	FinalCurrency    float64 `json:"final_currency"`
	LifetimeCurrency float64 `json:"lifetime_currency"`
	SeedsBefore      int64   `json:"seeds_before"`
	AllTimeProduced  float64 `json:"all_time_produced"`
	CreatedAt        string  `json:"created_at"`
}

func RunDir(playerDir string, run int) string {
	return filepath.Join(playerDir, "archives", fmt.Sprintf("run_%03d", run))
}

// ArchiveRun stores the save taken just before a prestige reset in `playerDir/archives/run_<NNN>/`.
// run is the number of the run that starts after the reset, so the archive holds run-1's end state.
func ArchiveRun(playerDir string, run int, pre snapshot.SaveV1) (archivedPath string, meta RunArchiveMeta, err error) {
	if run <= 0 {
		return "", meta, fmt.Errorf("invalid run %d", run)
	}
	dir := RunDir(playerDir, run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", meta, err
	}
	dst := filepath.Join(dir, snapshot.SaveFileName)
	if err := snapshot.WriteSave(dst, pre); err != nil {
		return "", meta, err
	}

	meta = RunArchiveMeta{
		Run:              run,
		PlayerID:         pre.Header.PlayerID,
		Save:             filepath.Base(dst),
		FinalCurrency:    pre.Currency,
		LifetimeCurrency: pre.LifetimeCurrency,
		SeedsBefore:      pre.PrestigeCurrency,
		AllTimeProduced:  pre.Stats.TotalCurrencyProduced,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}
	return dst, meta, nil
}

// ReadMeta loads meta.json for a run, as written by ArchiveRun.
func ReadMeta(playerDir string, run int) (RunArchiveMeta, error) {
	var meta RunArchiveMeta
	raw, err := os.ReadFile(filepath.Join(RunDir(playerDir, run), "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("meta.json: %w", err)
	}
	return meta, nil
}
