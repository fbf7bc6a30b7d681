package r2s3

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	CoalescedTotal      uint64
	SkippedTotal        uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

const (
	uploadAttempts = 4
	uploadTimeout  = 2 * time.Minute
)

// upload is one queued file; key is resolved at enqueue time.
type upload struct {
	local string
	key   string
}

// Mirror copies files under dataDir (saves, closed journals, run archives)
// to the bucket, keyed by their path relative to dataDir.
type Mirror struct {
	client  Uploader
	dataDir string
	prefix  string
	logger  *log.Logger

	queue   chan upload
	wait    time.Duration
	backoff time.Duration
	workers sync.WaitGroup

	// queued holds local paths waiting for a worker. A save rewritten before
	// its upload starts is uploaded once, with its latest content.
	mu     sync.Mutex
	queued map[string]struct{}

	n struct {
		enqueued, coalesced, skipped, saturated, dropped, ok, failed atomic.Uint64
		lastOK, lastErr                                              atomic.Int64
	}
}

func NewMirror(client Uploader, dataDir, prefix string, workers, queueCapacity int, enqueueWait time.Duration, logger *log.Logger) *Mirror {
	if queueCapacity <= 0 {
		queueCapacity = 2048
	}
	if enqueueWait <= 0 {
		enqueueWait = 25 * time.Millisecond
	}
	m := &Mirror{
		client:  client,
		dataDir: dataDir,
		prefix:  strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		logger:  logger,
		queue:   make(chan upload, queueCapacity),
		wait:    enqueueWait,
		backoff: 200 * time.Millisecond,
		queued:  map[string]struct{}{},
	}
	for range max(workers, 1) {
		m.workers.Add(1)
		go m.work()
	}
	return m
}

func (m *Mirror) work() {
	defer m.workers.Done()
	for u := range m.queue {
		m.unmark(u.local)
		m.put(u)
	}
}

// Enqueue schedules localPath for upload. It may block for the configured
// enqueue wait when the queue is full, then drops the file.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.n.enqueued.Add(1)

	key, err := m.objectKey(localPath)
	if err != nil {
		m.n.skipped.Add(1)
		m.printf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	if !m.mark(localPath) {
		m.n.coalesced.Add(1)
		return
	}

	u := upload{local: localPath, key: key}
	select {
	case m.queue <- u:
		return
	default:
	}
	m.n.saturated.Add(1)
	t := time.NewTimer(m.wait)
	defer t.Stop()
	select {
	case m.queue <- u:
	case <-t.C:
		m.unmark(localPath)
		dropped := m.n.dropped.Add(1)
		m.printf("mirror drop local=%s reason=queue_saturated wait_ms=%d dropped_total=%d", localPath, m.wait.Milliseconds(), dropped)
	}
}

func (m *Mirror) mark(localPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queued[localPath]; ok {
		return false
	}
	m.queued[localPath] = struct{}{}
	return true
}

func (m *Mirror) unmark(localPath string) {
	m.mu.Lock()
	delete(m.queued, localPath)
	m.mu.Unlock()
}

// Close waits for queued uploads to finish. Enqueue must not be called after Close.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.queue)
	m.workers.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.queue),
		QueueCapacity:       cap(m.queue),
		EnqueuedTotal:       m.n.enqueued.Load(),
		CoalescedTotal:      m.n.coalesced.Load(),
		SkippedTotal:        m.n.skipped.Load(),
		QueueSaturatedTotal: m.n.saturated.Load(),
		DroppedTotal:        m.n.dropped.Load(),
		UploadSuccessTotal:  m.n.ok.Load(),
		UploadFailTotal:     m.n.failed.Load(),
		LastSuccessUnix:     m.n.lastOK.Load(),
		LastErrorUnix:       m.n.lastErr.Load(),
	}
}

func (m *Mirror) put(u upload) {
	// A file gone before its upload is skipped, not failed.
	if _, err := os.Stat(u.local); err != nil {
		m.n.skipped.Add(1)
		m.printf("mirror skip local=%s err=%v", u.local, err)
		return
	}

	var err error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		err = m.client.PutFile(ctx, u.key, u.local)
		cancel()
		if err == nil {
			m.n.ok.Add(1)
			m.n.lastOK.Store(time.Now().Unix())
			return
		}
		if attempt < uploadAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.backoff)
		}
	}
	m.n.failed.Add(1)
	m.n.lastErr.Store(time.Now().Unix())
	m.printf("mirror upload failed key=%s local=%s attempts=%d err=%v", u.key, u.local, uploadAttempts, err)
}

// objectKey maps a file under dataDir to its bucket key.
func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is not under data dir %s", abs, base)
	}
	if m.prefix == "" {
		return rel, nil
	}
	return path.Join(m.prefix, rel), nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
