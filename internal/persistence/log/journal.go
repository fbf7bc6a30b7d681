package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"idlegrove.app/internal/sim/session"
)

const hourLayout = "2006-01-02-15"

// segment is one open hourly file. Each Write ends with an encoder flush so
// a crash loses at most the line being written; reopening the same hour
// appends a new zstd frame, which readers decode transparently.
type segment struct {
	hour string
	f    *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, f: f, zw: zw, bw: bufio.NewWriterSize(zw, 32*1024)}, nil
}

func (s *segment) writeLine(b []byte) error {
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	return s.zw.Flush()
}

func (s *segment) close() error {
	return errors.Join(s.bw.Flush(), s.zw.Close(), s.f.Close())
}

// HourlyWriter appends JSON lines to `<dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst`,
// one file per UTC hour.
type HourlyWriter struct {
	dir    string
	prefix string
	clock  func() time.Time

	// OnRotate receives the path of each file closed by rotation or Close.
	OnRotate func(path string)

	mu  sync.Mutex
	cur *segment
}

func NewHourlyWriter(dir, prefix string) *HourlyWriter {
	return &HourlyWriter{dir: dir, prefix: prefix, clock: time.Now}
}

func (w *HourlyWriter) path(hour string) string {
	return filepath.Join(w.dir, w.prefix+"-"+hour+".jsonl.zst")
}

func (w *HourlyWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	hour := w.clock().UTC().Format(hourLayout)
	if w.cur == nil || w.cur.hour != hour {
		if err := w.closeCurrent(); err != nil {
			return err
		}
		seg, err := openSegment(w.path(hour), hour)
		if err != nil {
			return err
		}
		w.cur = seg
	}
	return w.cur.writeLine(b)
}

func (w *HourlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCurrent()
}

func (w *HourlyWriter) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	seg := w.cur
	w.cur = nil
	err := seg.close()
	if w.OnRotate != nil {
		w.OnRotate(seg.f.Name())
	}
	return err
}

// ActionJournal records every applied action of one player's session under
// `<playerDir>/journal/`.
type ActionJournal struct{ w *HourlyWriter }

func NewActionJournal(playerDir string) *ActionJournal {
	return &ActionJournal{w: NewHourlyWriter(filepath.Join(playerDir, "journal"), "actions")}
}

// OnRotate forwards closed journal files, e.g. to an off-site mirror.
func (j *ActionJournal) OnRotate(fn func(path string)) { j.w.OnRotate = fn }

func (j *ActionJournal) WriteAction(e session.JournalEntry) error { return j.w.Write(e) }
func (j *ActionJournal) Close() error                             { return j.w.Close() }
