package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idlegrove.app/internal/persistence/archive"
	"idlegrove.app/internal/persistence/indexdb"
	persistlog "idlegrove.app/internal/persistence/log"
	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/game"
	"idlegrove.app/internal/sim/multisession"
	"idlegrove.app/internal/sim/tuning"
	"idlegrove.app/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configDir   = flag.String("configs", "./configs", "config directory")
		catalogsDir = flag.String("catalogs", "", "catalog json directory (default: built-in catalogs)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB   = flag.Bool("disable_db", false, "disable the leaderboard/save index")
		noJournal   = flag.Bool("disable_journal", false, "do not record per-player action journals")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	sessionLogger := log.New(os.Stdout, "[session] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := loadCatalogs(*catalogsDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	ctx, cancel := signalContext()
	defer cancel()

	idx, err := openRuntimeIndex(ctx, *dataDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		if err := idx.UpsertCatalogs(ctx, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	mirror, err := buildMirrorRuntime(ctx, *dataDir, logger)
	if err != nil {
		logger.Fatalf("init mirror: %v", err)
	}

	m := game.NewMachine(cats)
	mgr := multisession.New(m, sessionOptions(*dataDir, tune, idx, mirror, !*noJournal, sessionLogger))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	reg := newRegistry(mgr, idx, mirror)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/ws", ws.NewServer(mgr, m, logger).Handler())

	if envBool("IDLEGROVE_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		registerAdmin(mux, mgr, idx)
	} else {
		logger.Printf("admin endpoints disabled (IDLEGROVE_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("IDLEGROVE_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (catalogs=%s save_version=%d)", *addr, cats.Digest[:12], cats.SaveVersion)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Sessions write their final saves before the mirror and index drain.
	mgr.Close()
	mirror.Close()
	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("close index: %v", err)
		}
	}
	logger.Printf("shutdown complete")
}

func loadCatalogs(dir string) (*catalogs.Catalogs, error) {
	if strings.TrimSpace(dir) == "" {
		return catalogs.Default()
	}
	return catalogs.Load(dir)
}

// sessionOptions wires per-player persistence side effects: journals, the
// index and the off-site mirror.
func sessionOptions(dataDir string, tune tuning.Tuning, idx indexdb.Index, mirror *mirrorRuntime, journal bool, logger *log.Logger) multisession.Options {
	opts := multisession.Options{
		DataDir: dataDir,
		Tuning:  tune,
		Logger:  logger,
		OnSaveWritten: func(playerID, path string) {
			mirror.Enqueue(path)
			if idx == nil {
				return
			}
			h, err := snapshot.ReadHeader(path)
			if err != nil {
				logger.Printf("player=%s read save header: %v", playerID, err)
				return
			}
			idx.RecordSave(playerID, path, h)
		},
		OnPrestige: func(playerID, playerDir string, pre snapshot.SaveV1, run int) {
			path, meta, err := archive.ArchiveRun(playerDir, run, pre)
			if err != nil {
				logger.Printf("player=%s archive run %d: %v", playerID, run, err)
				return
			}
			mirror.Enqueue(path)
			mirror.EnqueueIfExists(filepath.Join(filepath.Dir(path), "meta.json"))
			if idx != nil {
				idx.RecordRun(playerID, path, meta)
			}
		},
	}
	if idx != nil {
		opts.Scores = idx
	}
	if journal {
		opts.NewJournal = func(playerID, playerDir string) (multisession.JournalCloser, error) {
			j := persistlog.NewActionJournal(playerDir)
			j.OnRotate(mirror.Enqueue)
			return j, nil
		}
	}
	return opts
}

func registerAdmin(mux *http.ServeMux, mgr *multisession.Manager, idx indexdb.Index) {
	mux.HandleFunc("/admin/v1/sessions", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(mgr.Stats())
	})
	mux.HandleFunc("/admin/v1/leaderboard", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if idx == nil {
			http.Error(rw, "index disabled", http.StatusServiceUnavailable)
			return
		}
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		rows, err := idx.TopScores(ctx, n)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "rows": rows})
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
