package multisession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/game"
	"idlegrove.app/internal/sim/session"
	"idlegrove.app/internal/sim/tuning"
)

var (
	ErrClosed      = errors.New("session manager closed")
	ErrBadPlayerID = errors.New("invalid player id")
)

// JournalCloser is a per-player action journal that is closed when the session stops.
type JournalCloser interface {
	session.Journal
	Close() error
}

type Options struct {
	// DataDir holds players/<id>/ for every player.
	DataDir string
	Tuning  tuning.Tuning
	Clock   session.Clock

	Scores session.ScoreReporter

	// NewJournal opens a player's journal; nil disables journaling.
	NewJournal func(playerID, playerDir string) (JournalCloser, error)

	OnPrestige    func(playerID, playerDir string, pre snapshot.SaveV1, run int)
	OnSaveWritten func(playerID, path string)

	Logger *log.Logger
}

type Identity struct {
	PlayerID    string
	DisplayName string
	// Authenticated identities report to the leaderboard.
	Authenticated bool
}

// AnonymousIdentity issues a fresh random player id.
func AnonymousIdentity() Identity {
	return Identity{PlayerID: uuid.NewString(), DisplayName: session.AnonymousName}
}

type Stats struct {
	Live    int
	Started uint64
	Stopped uint64

	ActionsApplied  uint64
	ActionsRejected uint64
	SavesOK         uint64
	SavesFailed     uint64
	ScoresOK        uint64
	ScoresFailed    uint64
	ProductionRate  float64
}

type entry struct {
	sess     *session.Session
	cancel   context.CancelFunc
	refs     int
	stopping bool
	done     chan struct{}
}

// Manager owns the running sessions, at most one per player id.
type Manager struct {
	m    *game.Machine
	opts Options
	log  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	started atomic.Uint64
	stopped atomic.Uint64
}

func New(m *game.Machine, opts Options) *Manager {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Tuning.FrameMs == 0 {
		opts.Tuning = tuning.Defaults()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		m:       m,
		opts:    opts,
		log:     opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*entry{},
	}
}

func (m *Manager) printf(format string, args ...any) {
	if m.log != nil {
		m.log.Printf(format, args...)
	}
}

// ValidPlayerID accepts 1..64 characters of [A-Za-z0-9_-].
func ValidPlayerID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func PlayerDir(dataDir, playerID string) (string, error) {
	if !ValidPlayerID(playerID) {
		return "", fmt.Errorf("%w %q", ErrBadPlayerID, playerID)
	}
	return filepath.Join(dataDir, "players", playerID), nil
}

// Acquire returns the player's running session, starting it if needed.
// Every successful Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, id Identity) (*session.Session, error) {
	dir, err := PlayerDir(m.opts.DataDir, id.PlayerID)
	if err != nil {
		return nil, err
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		e := m.entries[id.PlayerID]
		if e == nil {
			e, err = m.startLocked(id, dir)
			m.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return e.sess, nil
		}
		if !e.stopping {
			e.refs++
			m.mu.Unlock()
			return e.sess, nil
		}
		// The previous session is still writing its final save.
		done := e.done
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) startLocked(id Identity, dir string) (*entry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	store := snapshot.NewFileStore(dir)
	if m.opts.OnSaveWritten != nil {
		pid := id.PlayerID
		store.OnWrite = func(path string) { m.opts.OnSaveWritten(pid, path) }
	}

	cfg := session.Config{
		PlayerID:      id.PlayerID,
		DisplayName:   id.DisplayName,
		Authenticated: id.Authenticated,
		Tuning:        m.opts.Tuning,
		Clock:         m.opts.Clock,
		Store:         store,
		Scores:        m.opts.Scores,
		Logger:        m.log,
	}
	var journal JournalCloser
	if m.opts.NewJournal != nil {
		j, err := m.opts.NewJournal(id.PlayerID, dir)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		journal = j
		cfg.Journal = j
	}
	if m.opts.OnPrestige != nil {
		pid := id.PlayerID
		cfg.OnPrestige = func(pre snapshot.SaveV1, run int) { m.opts.OnPrestige(pid, dir, pre, run) }
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{
		sess:   session.New(m.m, cfg),
		cancel: cancel,
		refs:   1,
		done:   make(chan struct{}),
	}
	m.entries[id.PlayerID] = e
	m.started.Add(1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := e.sess.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.printf("player=%s session stopped: %v", id.PlayerID, err)
		}
		if journal != nil {
			if err := journal.Close(); err != nil {
				m.printf("player=%s close journal: %v", id.PlayerID, err)
			}
		}
		m.mu.Lock()
		if m.entries[id.PlayerID] == e {
			delete(m.entries, id.PlayerID)
		}
		m.mu.Unlock()
		m.stopped.Add(1)
		close(e.done)
	}()
	return e, nil
}

// Release drops one reference; the last one stops the session, which saves on the way out.
func (m *Manager) Release(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[playerID]
	if e == nil || e.stopping {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.stopping = true
		e.cancel()
	}
}

// Close stops every session and waits for their final saves.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.entries {
		e.stopping = true
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.entries))
	for _, e := range m.entries {
		sessions = append(sessions, e.sess)
	}
	m.mu.Unlock()

	st := Stats{
		Live:    len(sessions),
		Started: m.started.Load(),
		Stopped: m.stopped.Load(),
	}
	for _, s := range sessions {
		sm := s.Metrics()
		st.ActionsApplied += sm.ActionsApplied
		st.ActionsRejected += sm.ActionsRejected
		st.SavesOK += sm.SavesOK
		st.SavesFailed += sm.SavesFailed
		st.ScoresOK += sm.ScoresOK
		st.ScoresFailed += sm.ScoresFailed
		st.ProductionRate += sm.ProductionRate
	}
	return st
}
