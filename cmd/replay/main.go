package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	persistlog "idlegrove.app/internal/persistence/log"
	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/game"
	"idlegrove.app/internal/sim/session"
)

func main() {
	var (
		dataDir     = flag.String("data", "./data", "runtime data directory")
		playerID    = flag.String("player", "", "player id")
		catalogsDir = flag.String("catalogs", "", "catalog json directory (default: built-in catalogs)")
	)
	flag.Parse()

	if strings.TrimSpace(*playerID) == "" {
		fmt.Fprintln(os.Stderr, "missing -player")
		os.Exit(2)
	}

	var (
		cats *catalogs.Catalogs
		err  error
	)
	if strings.TrimSpace(*catalogsDir) == "" {
		cats, err = catalogs.Default()
	} else {
		cats, err = catalogs.Load(*catalogsDir)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}

	playerDir := filepath.Join(*dataDir, "players", *playerID)
	if h, err := snapshot.ReadHeader(filepath.Join(playerDir, snapshot.SaveFileName)); err == nil {
		fmt.Printf("save v%d player=%s persisted_at=%s\n", h.SaveVersion, h.PlayerID, time.UnixMilli(h.PersistedAt).UTC().Format(time.RFC3339))
	}

	files, err := persistlog.JournalFiles(playerDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", filepath.Join(playerDir, "journal"))
		os.Exit(1)
	}

	r := &replayer{m: game.NewMachine(cats)}
	for _, path := range files {
		if err := persistlog.ReadJournal(path, r.apply); err != nil {
			fmt.Fprintf(os.Stderr, "replay %s: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
	}
	if r.state == nil {
		fmt.Fprintln(os.Stderr, "journal has no load entry to start from")
		os.Exit(1)
	}
	fmt.Printf("replay ok: checked=%d skipped=%d sessions=%d currency=%.2f seeds=%d digest=%s\n",
		r.checked, r.skipped, r.loads, r.state.Currency, r.state.PrestigeCurrency, game.Digest(r.state))
}

// replayer re-applies journaled actions and compares digests. Each session
// journals its Load first, so replay starts at the first Load and every
// later Load resets the state the same way the live session did.
type replayer struct {
	m *game.Machine

	state   *game.State
	loads   int
	checked uint64
	skipped uint64
}

func (r *replayer) apply(e session.JournalEntry) error {
	a, err := game.DecodeAction(e.Action)
	if err != nil {
		return fmt.Errorf("seq %d: %w", e.Seq, err)
	}
	if a.Kind() == game.KindLoad {
		r.loads++
	} else if r.state == nil {
		r.skipped++
		return nil
	}
	cur := r.state
	if cur == nil {
		cur = r.m.Default(time.UnixMilli(e.At))
	}
	next := r.m.Reduce(cur, a)
	if next == cur {
		return fmt.Errorf("seq %d: journaled %s was a no-op on replay", e.Seq, e.Kind)
	}
	r.state = next

	r.checked++
	if got := game.Digest(next); got != e.Digest {
		return fmt.Errorf("digest mismatch at seq %d (%s): got=%s want=%s", e.Seq, e.Kind, got, e.Digest)
	}
	return nil
}
