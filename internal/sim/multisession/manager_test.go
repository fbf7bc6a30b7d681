package multisession

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/game"
	"idlegrove.app/internal/sim/session"
	"idlegrove.app/internal/sim/tuning"
)

type memJournal struct {
	mu     sync.Mutex
	n      int
	closed bool
}

func (j *memJournal) WriteAction(e session.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.n++
	return nil
}

func (j *memJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func (j *memJournal) isClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	cats, err := catalogs.Default()
	require.NoError(t, err)
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	tu := tuning.Defaults()
	tu.FrameMs = 5
	tu.PersistEveryMs = 3_600_000
	opts.Tuning = tu
	mgr := New(game.NewMachine(cats), opts)
	t.Cleanup(mgr.Close)
	return mgr
}

func acquire(t *testing.T, mgr *Manager, id Identity) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := mgr.Acquire(ctx, id)
	require.NoError(t, err)
	return s
}

func waitStopped(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not stop", s.PlayerID())
	}
}

func clickAndWait(t *testing.T, s *session.Session) {
	t.Helper()
	require.True(t, s.Submit(session.Command{Kind: session.CmdClick}))
	require.Eventually(t, func() bool {
		v, err := s.View(context.Background())
		return err == nil && v.State.Stats.TotalManualActions > 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestManager_AcquireIsRefcounted(t *testing.T) {
	mgr := newManager(t, Options{})
	id := Identity{PlayerID: "alice"}

	a := acquire(t, mgr, id)
	b := acquire(t, mgr, id)
	assert.Same(t, a, b)
	assert.Equal(t, 1, mgr.Stats().Live)

	mgr.Release("alice")
	select {
	case <-a.Done():
		t.Fatalf("session stopped while still referenced")
	case <-time.After(30 * time.Millisecond):
	}

	mgr.Release("alice")
	waitStopped(t, a)
	require.Eventually(t, func() bool { return mgr.Stats().Live == 0 }, time.Second, 5*time.Millisecond)
	st := mgr.Stats()
	assert.Equal(t, uint64(1), st.Started)
	assert.Equal(t, uint64(1), st.Stopped)
}

func TestManager_ReleaseSavesAndReacquireLoads(t *testing.T) {
	dir := t.TempDir()
	var (
		mu     sync.Mutex
		writes []string
	)
	mgr := newManager(t, Options{
		DataDir: dir,
		OnSaveWritten: func(playerID, path string) {
			mu.Lock()
			defer mu.Unlock()
			writes = append(writes, playerID+":"+filepath.Base(path))
		},
	})
	id := Identity{PlayerID: "bob"}

	s := acquire(t, mgr, id)
	clickAndWait(t, s)
	mgr.Release("bob")
	waitStopped(t, s)

	save, err := snapshot.ReadSave(filepath.Join(dir, "players", "bob", snapshot.SaveFileName))
	require.NoError(t, err)
	assert.Equal(t, int64(1), save.Stats.TotalManualActions)
	assert.Equal(t, "bob", save.Header.PlayerID)
	mu.Lock()
	assert.Contains(t, writes, "bob:"+snapshot.SaveFileName)
	mu.Unlock()

	s2 := acquire(t, mgr, id)
	assert.NotSame(t, s, s2)
	v, err := s2.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.State.Currency)
	mgr.Release("bob")
}

func TestManager_JournalClosedWhenSessionStops(t *testing.T) {
	var (
		mu       sync.Mutex
		journals []*memJournal
	)
	mgr := newManager(t, Options{
		NewJournal: func(playerID, playerDir string) (JournalCloser, error) {
			mu.Lock()
			defer mu.Unlock()
			j := &memJournal{}
			journals = append(journals, j)
			return j, nil
		},
	})
	s := acquire(t, mgr, Identity{PlayerID: "carol"})
	clickAndWait(t, s)
	mgr.Release("carol")
	waitStopped(t, s)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, journals, 1)
	require.Eventually(t, journals[0].isClosed, time.Second, 5*time.Millisecond)
}

func TestManager_CloseStopsEverything(t *testing.T) {
	mgr := newManager(t, Options{})
	a := acquire(t, mgr, Identity{PlayerID: "p1"})
	b := acquire(t, mgr, Identity{PlayerID: "p2"})
	assert.Equal(t, 2, mgr.Stats().Live)

	mgr.Close()
	waitStopped(t, a)
	waitStopped(t, b)
	assert.Equal(t, 0, mgr.Stats().Live)

	_, err := mgr.Acquire(context.Background(), Identity{PlayerID: "p3"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_RejectsBadPlayerIDs(t *testing.T) {
	mgr := newManager(t, Options{})
	for _, id := range []string{"", "../etc", "a/b", "has space"} {
		_, err := mgr.Acquire(context.Background(), Identity{PlayerID: id})
		assert.Error(t, err, "id %q", id)
	}
}

func TestAnonymousIdentity(t *testing.T) {
	a := AnonymousIdentity()
	b := AnonymousIdentity()
	assert.True(t, ValidPlayerID(a.PlayerID))
	assert.NotEqual(t, a.PlayerID, b.PlayerID)
	assert.False(t, a.Authenticated)
	assert.Equal(t, session.AnonymousName, a.DisplayName)
}
