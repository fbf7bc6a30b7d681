package indexdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"idlegrove.app/internal/persistence/archive"
	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/session"
	"idlegrove.app/internal/sim/tuning"
)

// RESTConfig points at a PostgREST-style endpoint (e.g. a Supabase project's /rest/v1).
type RESTConfig struct {
	BaseURL       string
	APIKey        string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained bounds the rows kept across failed flushes.
	MaxRetained int
	Logger      *log.Logger
}

type RESTIndex struct {
	cfg        RESTConfig
	httpClient *http.Client

	ch   chan restRow
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped  atomic.Uint64
	flushOK  atomic.Uint64
	flushBad atomic.Uint64
}

type restRow struct {
	Table string
	Row   any
}

const (
	tableLeaderboard = "leaderboard"
	tableSaves       = "saves"
	tableRuns        = "runs"
	tableCatalogs    = "catalogs"
)

func OpenREST(cfg RESTConfig) (*RESTIndex, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("empty rest index base url")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 8 * cfg.BatchSize
	}

	d := &RESTIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan restRow, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *RESTIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *RESTIndex) UpsertScore(ctx context.Context, sc session.Score) error {
	d.enqueue(restRow{Table: tableLeaderboard, Row: scoreRow(sc)})
	return nil
}

func (d *RESTIndex) RecordSave(playerID, path string, h snapshot.Header) {
	d.enqueue(restRow{Table: tableSaves, Row: saveRow(playerID, path, h)})
}

func (d *RESTIndex) RecordRun(playerID, path string, meta archive.RunArchiveMeta) {
	if meta.Run <= 0 || path == "" {
		return
	}
	d.enqueue(restRow{Table: tableRuns, Row: runRow(playerID, path, meta)})
}

func (d *RESTIndex) UpsertCatalogs(ctx context.Context, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	for _, r := range catalogRows(cats, tune) {
		d.enqueue(restRow{Table: tableCatalogs, Row: r})
	}
	return nil
}

// TopScores reads the leaderboard directly; it does not wait for queued upserts.
func (d *RESTIndex) TopScores(ctx context.Context, n int) ([]ScoreRow, error) {
	if n <= 0 {
		n = 10
	}
	q := url.Values{}
	q.Set("select", "player_id,display_name,score,updated_at")
	q.Set("order", "score.desc")
	q.Set("limit", strconv.Itoa(n))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.BaseURL+"/"+tableLeaderboard+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	d.authorize(req)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out []ScoreRow
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *RESTIndex) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(d.ch),
		QueueCapacity:     cap(d.ch),
		QueueDroppedTotal: d.dropped.Load(),
		FlushOKTotal:      d.flushOK.Load(),
		FlushFailTotal:    d.flushBad.Load(),
	}
}

func (d *RESTIndex) enqueue(r restRow) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- r:
	default:
		d.dropped.Add(1)
		d.printf("rest index queue full; drop table=%s", r.Table)
	}
}

func (d *RESTIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]restRow, 0, d.cfg.BatchSize)
	// A failed batch is kept and retried on the next flush.
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushBad.Add(1)
			d.printf("rest index flush failed rows=%d err=%v", len(batch), err)
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				d.dropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		d.flushOK.Add(1)
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *RESTIndex) sendBatch(rows []restRow) error {
	byTable := map[string][]any{}
	var order []string
	for _, r := range rows {
		if _, ok := byTable[r.Table]; !ok {
			order = append(order, r.Table)
		}
		byTable[r.Table] = append(byTable[r.Table], r.Row)
	}
	for _, table := range order {
		if err := d.post(table, dedupe(table, byTable[table])); err != nil {
			return fmt.Errorf("%s: %w", table, err)
		}
	}
	return nil
}

// dedupe keeps the last leaderboard row per player; PostgREST rejects a
// merge-duplicates batch that hits the same key twice.
func dedupe(table string, rows []any) []any {
	if table != tableLeaderboard {
		return rows
	}
	last := map[string]int{}
	for i, r := range rows {
		last[r.(ScoreRow).PlayerID] = i
	}
	out := rows[:0:0]
	for i, r := range rows {
		if last[r.(ScoreRow).PlayerID] == i {
			out = append(out, r)
		}
	}
	return out
}

func (d *RESTIndex) post(table string, rows []any) error {
	buf, err := json.Marshal(rows)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.BaseURL+"/"+table, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		req.Header.Set("prefer", "resolution=merge-duplicates,return=minimal")
		d.authorize(req)

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *RESTIndex) authorize(req *http.Request) {
	if d.cfg.APIKey == "" {
		return
	}
	req.Header.Set("apikey", d.cfg.APIKey)
	req.Header.Set("authorization", "Bearer "+d.cfg.APIKey)
}

func (d *RESTIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
