package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"idlegrove.app/internal/persistence/indexdb"
)

// openRuntimeIndex picks the leaderboard/index backend from IDLEGROVE_INDEX_BACKEND.
// A nil index means indexing is off.
func openRuntimeIndex(ctx context.Context, dataDir string, disableDB bool, logger *log.Logger) (indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("IDLEGROVE_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := strings.TrimSpace(os.Getenv("IDLEGROVE_INDEX_SQLITE"))
		if dbPath == "" {
			dbPath = filepath.Join(dataDir, "index", "idlegrove.sqlite")
		}
		return indexdb.OpenSQLite(dbPath)
	case "postgres":
		dsn := strings.TrimSpace(os.Getenv("IDLEGROVE_POSTGRES_DSN"))
		if dsn == "" {
			return nil, fmt.Errorf("IDLEGROVE_INDEX_BACKEND=postgres but IDLEGROVE_POSTGRES_DSN is empty")
		}
		octx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return indexdb.OpenPostgres(octx, dsn, logger)
	case "rest":
		endpoint := strings.TrimSpace(os.Getenv("IDLEGROVE_REST_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("IDLEGROVE_INDEX_BACKEND=rest but IDLEGROVE_REST_URL is empty")
		}
		return indexdb.OpenREST(indexdb.RESTConfig{
			BaseURL:       endpoint,
			APIKey:        strings.TrimSpace(os.Getenv("IDLEGROVE_REST_KEY")),
			BatchSize:     envInt("IDLEGROVE_REST_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("IDLEGROVE_REST_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported IDLEGROVE_INDEX_BACKEND: %s", backend)
	}
}
