package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"idlegrove.app/internal/persistence/archive"
	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/game"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "save":
			saveCmd(os.Args[2:])
			return
		case "runs":
			runsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "sessions":
			sessionsCmd(os.Args[2:])
			return
		case "leaderboard":
			leaderboardCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "players"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

// saveSummary is what `admin save` prints for one save file.
type saveSummary struct {
	Path             string  `json:"path"`
	PlayerID         string  `json:"player_id"`
	SaveVersion      int     `json:"save_version"`
	PersistedAt      string  `json:"persisted_at,omitempty"`
	Currency         float64 `json:"currency"`
	LifetimeCurrency float64 `json:"lifetime_currency"`
	Seeds            int64   `json:"seeds"`
	PrestigeCount    int     `json:"prestige_count"`
	Owned            int     `json:"owned"`
	Achievements     int     `json:"achievements"`
	ProductionRate   float64 `json:"production_rate,omitempty"`
	SeedsOnPrestige  int64   `json:"seeds_on_prestige,omitempty"`
	Compatible       bool    `json:"compatible"`
}

func saveCmd(args []string) {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	playerID := fs.String("player", "", "player id (required unless -path)")
	path := fs.String("path", "", "save file path (optional)")
	catalogsDir := fs.String("catalogs", "", "catalog json directory (default: built-in catalogs)")
	_ = fs.Parse(args)

	p := strings.TrimSpace(*path)
	if p == "" {
		if strings.TrimSpace(*playerID) == "" {
			fmt.Fprintln(os.Stderr, "missing -player or -path")
			os.Exit(2)
		}
		p = filepath.Join(*dataDir, "players", *playerID, snapshot.SaveFileName)
	}
	cats, err := loadCatalogs(*catalogsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}
	sum, err := summarizeSave(game.NewMachine(cats), p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read save:", err)
		os.Exit(1)
	}
	printJSON(os.Stdout, sum)
}

// summarizeSave loads a save through the reducer so the derived numbers match
// what a live session would show.
func summarizeSave(m *game.Machine, path string) (saveSummary, error) {
	save, err := snapshot.ReadSave(path)
	if err != nil {
		return saveSummary{}, err
	}
	out := saveSummary{
		Path:             path,
		PlayerID:         save.Header.PlayerID,
		SaveVersion:      save.SaveVersion,
		Currency:         save.Currency,
		LifetimeCurrency: save.LifetimeCurrency,
		Seeds:            save.PrestigeCurrency,
		PrestigeCount:    save.PrestigeCount,
		Achievements:     len(save.Achievements),
		Compatible:       save.SaveVersion == m.Catalogs().SaveVersion,
	}
	if save.Header.PersistedAt > 0 {
		out.PersistedAt = time.UnixMilli(save.Header.PersistedAt).UTC().Format(time.RFC3339)
	}
	for _, p := range save.Producers {
		out.Owned += p.Level
	}
	if out.Compatible {
		s := m.Reduce(m.Default(time.Now()), game.Load{Save: &save, Now: time.Now()})
		out.ProductionRate = m.Derive(s).ProductionRate
		out.SeedsOnPrestige = game.SeedsToAward(s.Currency, s.PrestigeCurrency)
	}
	return out, nil
}

func runsCmd(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	playerID := fs.String("player", "", "player id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*playerID) == "" {
		fmt.Fprintln(os.Stderr, "missing -player")
		os.Exit(2)
	}
	metas, err := listRuns(filepath.Join(*dataDir, "players", *playerID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list runs:", err)
		os.Exit(1)
	}
	for _, m := range metas {
		printJSON(os.Stdout, m)
	}
}

// listRuns returns the archived runs of a player, oldest first. Archives
// without a readable meta.json are skipped.
func listRuns(playerDir string) ([]archive.RunArchiveMeta, error) {
	ents, err := os.ReadDir(filepath.Join(playerDir, "archives"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []int
	for _, e := range ents {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "run_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "run_"))
		if err != nil || n <= 0 {
			continue
		}
		runs = append(runs, n)
	}
	sort.Ints(runs)
	out := make([]archive.RunArchiveMeta, 0, len(runs))
	for _, n := range runs {
		meta, err := archive.ReadMeta(playerDir, n)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func loadCatalogs(dir string) (*catalogs.Catalogs, error) {
	if strings.TrimSpace(dir) == "" {
		return catalogs.Default()
	}
	return catalogs.Load(dir)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
