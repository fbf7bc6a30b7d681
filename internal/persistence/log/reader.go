package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"idlegrove.app/internal/sim/session"
)

// JournalFiles lists a player's action journal files in chronological order.
func JournalFiles(playerDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(playerDir, "journal", "actions-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	// The hour layout sorts lexically.
	sort.Strings(files)
	return files, nil
}

// ReadJournal calls fn for each entry in path, stopping at the first error.
func ReadJournal(path string, fn func(session.JournalEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e session.JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
