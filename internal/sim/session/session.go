package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/game"
	"idlegrove.app/internal/sim/tuning"
)

const AnonymousName = "Anonymous Planter"

type SaveStore interface {
	LoadSave(ctx context.Context) (*snapshot.SaveV1, error)
	WriteSave(ctx context.Context, save snapshot.SaveV1) error
}

type Score struct {
	PlayerID    string
	DisplayName string
	Score       int64
	UpdatedAt   time.Time
}

type ScoreReporter interface {
	UpsertScore(ctx context.Context, s Score) error
}

type JournalEntry struct {
	PlayerID string          `json:"player_id"`
	Seq      uint64          `json:"seq"`
	At       int64           `json:"at"`
	Kind     string          `json:"kind"`
	Action   json.RawMessage `json:"action"`
	Digest   string          `json:"digest"`
}

type Journal interface {
	WriteAction(e JournalEntry) error
}

type Config struct {
	PlayerID    string
	DisplayName string
	// Authenticated sessions report to the leaderboard; anonymous ones never do.
	Authenticated bool

	Tuning tuning.Tuning
	Clock  Clock
	Rand   *rand.Rand

	Store   SaveStore
	Scores  ScoreReporter
	Journal Journal

	// OnPrestige receives the save as it was just before the reset and the new run number.
	OnPrestige func(pre snapshot.SaveV1, run int)

	Logger *log.Logger
}

type CommandKind string

const (
	CmdClick              CommandKind = "click"
	CmdBuy                CommandKind = "buy"
	CmdPrestige           CommandKind = "prestige"
	CmdBuyPrestigeUpgrade CommandKind = "buy_prestige_upgrade"
	CmdCollectEvent       CommandKind = "collect_event"
	CmdAckOffline         CommandKind = "ack_offline"
)

type Command struct {
	Kind   CommandKind
	ID     string
	Amount int
}

// View is what clients render. State must not be modified by readers.
type View struct {
	State   *game.State
	Derived game.Derived
	Offline *game.OfflineAward
}

type Metrics struct {
	ActionsApplied  uint64
	ActionsRejected uint64
	SavesOK         uint64
	SavesFailed     uint64
	ScoresOK        uint64
	ScoresFailed    uint64
	ProductionRate  float64
}

// Session owns one player's game state. Everything except the exported
// channels-backed methods runs on the Run goroutine.
type Session struct {
	m   *game.Machine
	cfg Config
	log *log.Logger

	commands chan Command
	views    chan chan View
	done     chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan View
	nextSub int

	// loop-owned
	state          *game.State
	derived        game.Derived
	pending        *game.OfflineAward
	offlineChecked bool
	seq            uint64
	lastFrame      time.Time
	despawn        *time.Timer

	saveQ  chan snapshot.SaveV1
	scoreQ chan Score
	bg     sync.WaitGroup

	applied      atomic.Uint64
	rejected     atomic.Uint64
	savesOK      atomic.Uint64
	savesFailed  atomic.Uint64
	scoresOK     atomic.Uint64
	scoresFailed atomic.Uint64
	rateBits     atomic.Uint64
}

func New(m *game.Machine, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Tuning.FrameMs == 0 {
		cfg.Tuning = tuning.Defaults()
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = AnonymousName
	}
	return &Session{
		m:        m,
		cfg:      cfg,
		log:      cfg.Logger,
		commands: make(chan Command, 256),
		views:    make(chan chan View, 16),
		done:     make(chan struct{}),
		subs:     map[int]chan View{},
		saveQ:    make(chan snapshot.SaveV1, 1),
		scoreQ:   make(chan Score, 1),
	}
}

func (s *Session) PlayerID() string { return s.cfg.PlayerID }

func (s *Session) Done() <-chan struct{} { return s.done }

// Submit queues a player intent. It returns false if the session is gone or its queue is full.
func (s *Session) Submit(cmd Command) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.commands <- cmd:
		return true
	default:
		return false
	}
}

// Subscribe delivers a View after every applied change. Slow readers miss frames.
// The channel is closed when the session stops or cancel is called.
func (s *Session) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 8)
	s.subMu.Lock()
	if s.subs == nil {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.subMu.Unlock()
		})
	}
}

func (s *Session) View(ctx context.Context) (View, error) {
	resp := make(chan View, 1)
	select {
	case s.views <- resp:
	case <-s.done:
		return View{}, errors.New("session closed")
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-resp:
		return v, nil
	case <-s.done:
		return View{}, errors.New("session closed")
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (s *Session) Metrics() Metrics {
	return Metrics{
		ActionsApplied:  s.applied.Load(),
		ActionsRejected: s.rejected.Load(),
		SavesOK:         s.savesOK.Load(),
		SavesFailed:     s.savesFailed.Load(),
		ScoresOK:        s.scoresOK.Load(),
		ScoresFailed:    s.scoresFailed.Load(),
		ProductionRate:  math.Float64frombits(s.rateBits.Load()),
	}
}

func (s *Session) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Run loads the save, then drives timers and commands until ctx is cancelled.
// Teardown writes one final save.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.closeSubscribers()

	s.bootstrap(ctx)

	s.bg.Add(1)
	go s.saveLoop()
	if s.reportsScores() {
		s.bg.Add(1)
		go s.scoreLoop()
	}

	tu := s.cfg.Tuning
	frame := time.NewTicker(tu.Frame())
	defer frame.Stop()
	persist := time.NewTicker(tu.PersistEvery())
	defer persist.Stop()
	achievements := time.NewTicker(tu.AchievementsEvery())
	defer achievements.Stop()
	spawn := time.NewTicker(tu.SpawnEvery())
	defer spawn.Stop()
	sweep := time.NewTicker(tu.BuffSweepEvery())
	defer sweep.Stop()

	var leaderboard <-chan time.Time
	if s.reportsScores() {
		t := time.NewTicker(tu.LeaderboardEvery())
		defer t.Stop()
		leaderboard = t.C
	}

	for {
		var despawnC <-chan time.Time
		if s.despawn != nil {
			despawnC = s.despawn.C
		}

		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case resp := <-s.views:
			resp <- s.view()
		case <-frame.C:
			s.frame()
		case <-persist.C:
			s.enqueueSave()
		case <-leaderboard:
			s.enqueueScore()
		case <-achievements.C:
			for _, id := range s.m.NewlyUnlocked(s.state) {
				s.dispatch(game.UnlockAchievement{ID: id})
			}
		case <-spawn.C:
			s.rollSpawn()
		case <-despawnC:
			s.despawn = nil
			s.dispatch(game.DespawnEvent{})
		case <-sweep.C:
			if len(s.state.Buffs) > 0 {
				s.dispatch(game.ExpireBuffs{Now: s.cfg.Clock.Now()})
			}
		}
	}
}

func (s *Session) reportsScores() bool {
	return s.cfg.Authenticated && s.cfg.Scores != nil
}

func (s *Session) bootstrap(ctx context.Context) {
	now := s.cfg.Clock.Now()
	var save *snapshot.SaveV1
	if s.cfg.Store != nil {
		loaded, err := s.cfg.Store.LoadSave(ctx)
		if err != nil {
			s.printf("player=%s load save: %v (starting fresh)", s.cfg.PlayerID, err)
		} else if loaded != nil && loaded.SaveVersion != s.m.Catalogs().SaveVersion {
			s.printf("player=%s save version %d != %d (starting fresh)", s.cfg.PlayerID, loaded.SaveVersion, s.m.Catalogs().SaveVersion)
		} else {
			save = loaded
		}
	}
	s.state = s.m.Default(now)
	s.derived = s.m.Derive(s.state)
	s.dispatch(game.Load{Save: save, Now: now})
	s.lastFrame = now
	s.checkOffline(now)
}

// checkOffline runs once per session; later calls are no-ops.
func (s *Session) checkOffline(now time.Time) {
	if s.offlineChecked {
		return
	}
	s.offlineChecked = true
	off := s.cfg.Tuning.Offline
	rules := game.OfflineRules{
		Threshold:  time.Duration(off.ThresholdSec) * time.Second,
		Cap:        time.Duration(off.CapSec) * time.Second,
		Efficiency: off.Efficiency,
	}
	if award, ok := game.ComputeOfflineAward(s.state.LastPersist, now, s.derived.ProductionRate, rules); ok {
		s.pending = &award
		s.broadcast()
	}
}

func (s *Session) handleCommand(cmd Command) {
	now := s.cfg.Clock.Now()
	switch cmd.Kind {
	case CmdClick:
		s.dispatch(game.Click{Power: s.derived.ClickPower})
	case CmdBuy:
		amount := cmd.Amount
		if amount == 0 {
			amount = 1
		}
		s.dispatch(game.Buy{ID: cmd.ID, Amount: amount})
	case CmdPrestige:
		pre := s.state
		if s.dispatch(game.Prestige{Now: now}) {
			if s.cfg.OnPrestige != nil {
				preSave := s.m.Export(pre, s.cfg.PlayerID, now)
				run := s.state.PrestigeCount
				s.bg.Add(1)
				go func() {
					defer s.bg.Done()
					s.cfg.OnPrestige(preSave, run)
				}()
			}
			s.enqueueSave()
		}
	case CmdBuyPrestigeUpgrade:
		s.dispatch(game.BuyPrestigeUpgrade{ID: cmd.ID})
	case CmdCollectEvent:
		if s.dispatch(game.CollectEvent{Now: now}) && s.despawn != nil {
			s.despawn.Stop()
			s.despawn = nil
		}
	case CmdAckOffline:
		if s.pending == nil {
			return
		}
		award := s.pending
		s.pending = nil
		if !s.dispatch(game.AddCurrency{Amount: award.CurrencyEarned}) {
			s.broadcast()
		}
	default:
		s.rejected.Add(1)
	}
}

// frame advances production by the wall-clock time since the previous frame.
func (s *Session) frame() {
	now := s.cfg.Clock.Now()
	dt := now.Sub(s.lastFrame).Seconds()
	s.lastFrame = now
	rate := s.derived.ProductionRate
	if !(rate > 0) || !(dt > 0) {
		return
	}
	breakdown := make(map[string]float64, len(s.derived.PerItemBreakdown))
	for id, v := range s.derived.PerItemBreakdown {
		breakdown[id] = v * dt
	}
	s.dispatch(game.Tick{Total: rate * dt, Breakdown: breakdown, DT: dt})
}

// SpawnChance keeps the additive seed term capped before the apple-rate factor is applied.
func SpawnChance(seeds int64, appleRate float64, ev tuning.Events) float64 {
	base := math.Min(ev.BaseChance+ev.ChancePerSeed*float64(seeds), ev.MaxChance)
	return base * (1 + appleRate)
}

func (s *Session) rollSpawn() {
	if s.state.Event.Active {
		return
	}
	ev := s.cfg.Tuning.Events
	chance := SpawnChance(s.state.PrestigeCurrency, s.m.PrestigeEffect(s.state, catalogs.EffectAppleRate), ev)
	r := s.cfg.Rand
	if r.Float64() >= chance {
		return
	}
	typ := game.EventChain
	if r.Float64() < ev.FrenzyWeight {
		typ = game.EventFrenzy
	}
	x, y := r.Float64(), r.Float64()
	if s.dispatch(game.SpawnEvent{Type: typ, X: x, Y: y, Now: s.cfg.Clock.Now()}) {
		if s.despawn != nil {
			s.despawn.Stop()
		}
		s.despawn = time.NewTimer(s.cfg.Tuning.EventLifetime())
	}
}

// dispatch applies a to the current state and reports whether anything changed.
func (s *Session) dispatch(a game.Action) bool {
	next := s.m.Reduce(s.state, a)
	if next == s.state {
		s.rejected.Add(1)
		return false
	}
	s.state = next
	s.derived = s.m.Derive(next)
	s.applied.Add(1)
	s.rateBits.Store(math.Float64bits(s.derived.ProductionRate))
	s.seq++
	s.journal(a)
	s.broadcast()
	return true
}

func (s *Session) journal(a game.Action) {
	if s.cfg.Journal == nil {
		return
	}
	raw, err := game.EncodeAction(a)
	if err != nil {
		s.printf("player=%s journal encode: %v", s.cfg.PlayerID, err)
		return
	}
	e := JournalEntry{
		PlayerID: s.cfg.PlayerID,
		Seq:      s.seq,
		At:       s.cfg.Clock.Now().UnixMilli(),
		Kind:     string(a.Kind()),
		Action:   raw,
		Digest:   game.Digest(s.state),
	}
	if err := s.cfg.Journal.WriteAction(e); err != nil {
		s.printf("player=%s journal write: %v", s.cfg.PlayerID, err)
	}
}

func (s *Session) view() View {
	v := View{State: s.state, Derived: s.derived}
	if s.pending != nil {
		award := *s.pending
		v.Offline = &award
	}
	return v
}

func (s *Session) broadcast() {
	v := s.view()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subs = nil
}
