package game

import (
	"fmt"
	"math"
	"time"

	"idlegrove.app/internal/persistence/snapshot"
	"idlegrove.app/internal/sim/catalogs"
)

const (
	frenzyValue    = 7
	frenzyDuration = 30 * time.Second
	chainValue     = 777
	chainDuration  = 13 * time.Second

	BuffSourceGoldenApple = "golden_apple"
)

// Machine applies actions to states for one catalog. It holds no state of its own.
type Machine struct {
	cats *catalogs.Catalogs
}

func NewMachine(cats *catalogs.Catalogs) *Machine {
	return &Machine{cats: cats}
}

func (m *Machine) Catalogs() *catalogs.Catalogs { return m.cats }

// Default is the fresh-start state for the catalog. Loaded is false until a Load is applied.
func (m *Machine) Default(now time.Time) *State {
	s := &State{
		PerItemLifetime: map[string]float64{},
		Achievements:    []string{},
		Buffs:           []Buff{},
		SessionStart:    now,
		SaveVersion:     m.cats.SaveVersion,
	}
	s.Producers = m.defaultProducers()
	s.PrestigeUpgrades = make([]ItemLevel, 0, len(m.cats.Prestige.Defs))
	for _, d := range m.cats.Prestige.Defs {
		s.PrestigeUpgrades = append(s.PrestigeUpgrades, ItemLevel{ID: d.ID, Level: d.Level})
	}
	return s
}

func (m *Machine) defaultProducers() []ItemLevel {
	out := make([]ItemLevel, 0, len(m.cats.Items.Defs))
	for _, d := range m.cats.Items.Defs {
		out = append(out, ItemLevel{ID: d.ID, Level: d.Level})
	}
	return out
}

// Reduce returns s itself when a is rejected or changes nothing, otherwise a new state.
func (m *Machine) Reduce(s *State, a Action) *State {
	switch a := a.(type) {
	case Load:
		return m.load(a)
	case Click:
		return m.click(s, a)
	case Tick:
		return m.tick(s, a)
	case Buy:
		return m.buy(s, a)
	case Prestige:
		return m.prestige(s, a)
	case BuyPrestigeUpgrade:
		return m.buyPrestigeUpgrade(s, a)
	case UnlockAchievement:
		return m.unlockAchievement(s, a)
	case SpawnEvent:
		return m.spawnEvent(s, a)
	case CollectEvent:
		return m.collectEvent(s, a)
	case DespawnEvent:
		if !s.Event.Active {
			return s
		}
		n := s.clone()
		n.Event = Event{}
		return n
	case ExpireBuffs:
		return expireBuffs(s, a.Now)
	case AddCurrency:
		if !(a.Amount > 0) || math.IsInf(a.Amount, 0) {
			return s
		}
		n := s.clone()
		n.credit(a.Amount)
		return n
	default:
		return s
	}
}

func (s *State) credit(amount float64) {
	s.Currency += amount
	s.LifetimeCurrency += amount
	s.Stats.TotalCurrencyProduced += amount
}

func (m *Machine) load(a Load) *State {
	save := a.Save
	if save == nil || save.SaveVersion != m.cats.SaveVersion {
		fresh := m.Default(a.Now)
		fresh.Loaded = true
		return fresh
	}

	s := m.Default(a.Now)
	byID := make(map[string]int, len(save.Producers))
	for _, p := range save.Producers {
		byID[p.ID] = p.Level
	}
	for i := range s.Producers {
		lvl, ok := byID[s.Producers[i].ID]
		if !ok {
			continue
		}
		def := m.cats.Items.Defs[i]
		s.Producers[i].Level = clampLevel(lvl, def.MaxLevel)
	}
	pByID := make(map[string]int, len(save.PrestigeUpgrades))
	for _, p := range save.PrestigeUpgrades {
		pByID[p.ID] = p.Level
	}
	for i := range s.PrestigeUpgrades {
		lvl, ok := pByID[s.PrestigeUpgrades[i].ID]
		if !ok {
			continue
		}
		s.PrestigeUpgrades[i].Level = clampLevel(lvl, m.cats.Prestige.Defs[i].MaxLevel)
	}
	for id, v := range save.PerItemLifetimeProduction {
		if _, ok := m.cats.Items.Index[id]; ok {
			s.PerItemLifetime[id] = v
		}
	}
	for _, id := range save.Achievements {
		if _, ok := m.cats.Achievements.Index[id]; ok && !s.HasAchievement(id) {
			s.Achievements = append(s.Achievements, id)
		}
	}

	s.Currency = math.Max(0, save.Currency)
	s.LifetimeCurrency = math.Max(0, save.LifetimeCurrency)
	s.PrestigeCurrency = max(0, save.PrestigeCurrency)
	s.PrestigeCount = max(0, save.PrestigeCount)
	if save.SessionStartTime > 0 {
		s.SessionStart = time.UnixMilli(save.SessionStartTime)
	}
	if save.LastPersistTime > 0 {
		s.LastPersist = time.UnixMilli(save.LastPersistTime)
	}
	s.Stats = Stats{
		TotalManualActions:    save.Stats.TotalManualActions,
		TotalCurrencyProduced: save.Stats.TotalCurrencyProduced,
		TotalPlayTimeSeconds:  save.Stats.TotalPlayTimeSeconds,
	}
	s.Loaded = true
	return s
}

func clampLevel(lvl, maxLevel int) int {
	if lvl < 0 {
		return 0
	}
	if maxLevel > 0 && lvl > maxLevel {
		return maxLevel
	}
	return lvl
}

func (m *Machine) click(s *State, a Click) *State {
	if a.Power < 0 || math.IsNaN(a.Power) || math.IsInf(a.Power, 0) {
		return s
	}
	n := s.clone()
	n.credit(a.Power)
	n.Stats.TotalManualActions++
	return n
}

func (m *Machine) tick(s *State, a Tick) *State {
	if !(a.Total > 0) || math.IsInf(a.Total, 0) {
		return s
	}
	n := s.clone()
	n.credit(a.Total)
	for id, v := range a.Breakdown {
		if _, ok := m.cats.Items.Index[id]; !ok {
			continue
		}
		n.PerItemLifetime[id] += v
	}
	if a.DT > 0 {
		n.Stats.TotalPlayTimeSeconds += a.DT
	}
	return n
}

func (m *Machine) buy(s *State, a Buy) *State {
	cost, amount, ok := m.CostOf(s, a.ID, a.Amount)
	if !ok || math.IsNaN(cost) || math.IsInf(cost, 0) || s.Currency < cost {
		return s
	}
	i := indexOf(s.Producers, a.ID)
	if i < 0 {
		return s
	}
	n := s.clone()
	n.Currency -= cost
	n.Producers[i].Level += amount
	return n
}

func (m *Machine) prestige(s *State, a Prestige) *State {
	seeds := SeedsToAward(s.Currency, s.PrestigeCurrency)
	if seeds <= 0 {
		return s
	}
	pre := s.Currency

	n := s.clone()
	n.Producers = m.defaultProducers()
	n.PerItemLifetime = map[string]float64{}
	n.Event = Event{}
	n.Buffs = []Buff{}
	n.PrestigeCurrency += seeds
	n.PrestigeCount++
	n.SessionStart = a.Now

	start := m.PrestigeEffect(n, catalogs.EffectStartTrees)
	retained := math.Floor(pre * m.PrestigeEffect(n, catalogs.EffectRetainTrees))
	n.Currency = start + retained
	n.LifetimeCurrency = start + retained
	return n
}

func (m *Machine) buyPrestigeUpgrade(s *State, a BuyPrestigeUpgrade) *State {
	def, ok := m.cats.PrestigeUpgrade(a.ID)
	if !ok {
		return s
	}
	i := indexOf(s.PrestigeUpgrades, a.ID)
	if i < 0 || s.PrestigeUpgrades[i].Level >= def.MaxLevel || s.PrestigeCurrency < def.Cost {
		return s
	}
	n := s.clone()
	n.PrestigeCurrency -= def.Cost
	n.PrestigeUpgrades[i].Level++
	return n
}

func (m *Machine) unlockAchievement(s *State, a UnlockAchievement) *State {
	if _, ok := m.cats.Achievement(a.ID); !ok || s.HasAchievement(a.ID) {
		return s
	}
	n := s.clone()
	n.Achievements = append(n.Achievements, a.ID)
	return n
}

func (m *Machine) spawnEvent(s *State, a SpawnEvent) *State {
	switch a.Type {
	case EventFrenzy, EventChain:
	default:
		return s
	}
	n := s.clone()
	n.Event = Event{Active: true, Type: a.Type, SpawnTime: a.Now, X: a.X, Y: a.Y}
	return n
}

func (m *Machine) collectEvent(s *State, a CollectEvent) *State {
	if !s.Event.Active {
		return s
	}
	var b Buff
	switch s.Event.Type {
	case EventFrenzy:
		b = Buff{Affects: AffectsProduction, Value: frenzyValue, Expiry: a.Now.Add(frenzyDuration), Name: "Frenzy"}
	case EventChain:
		b = Buff{Affects: AffectsClick, Value: chainValue, Expiry: a.Now.Add(chainDuration), Name: "Click Chain"}
	default:
		return s
	}
	b.Source = BuffSourceGoldenApple
	b.ID = uniqueBuffID(s.Buffs, fmt.Sprintf("%s-%d", s.Event.Type, a.Now.UnixMilli()))

	n := s.clone()
	n.Event = Event{}
	n.Buffs = append(n.Buffs, b)
	return n
}

func uniqueBuffID(buffs []Buff, base string) string {
	taken := func(id string) bool {
		for _, b := range buffs {
			if b.ID == id {
				return true
			}
		}
		return false
	}
	id := base
	for i := 2; taken(id); i++ {
		id = fmt.Sprintf("%s-%d", base, i)
	}
	return id
}

func expireBuffs(s *State, now time.Time) *State {
	keep := 0
	for _, b := range s.Buffs {
		if b.Expiry.After(now) {
			keep++
		}
	}
	if keep == len(s.Buffs) {
		return s
	}
	n := s.clone()
	n.Buffs = make([]Buff, 0, keep)
	for _, b := range s.Buffs {
		if b.Expiry.After(now) {
			n.Buffs = append(n.Buffs, b)
		}
	}
	return n
}

// Export produces the persisted subset of s, stamped as persisted at now.
func (m *Machine) Export(s *State, playerID string, now time.Time) snapshot.SaveV1 {
	save := snapshot.SaveV1{
		Header: snapshot.Header{
			SaveVersion: m.cats.SaveVersion,
			PlayerID:    playerID,
			PersistedAt: now.UnixMilli(),
		},
		Currency:                  s.Currency,
		LifetimeCurrency:          s.LifetimeCurrency,
		PerItemLifetimeProduction: make(map[string]float64, len(s.PerItemLifetime)),
		PrestigeCurrency:          s.PrestigeCurrency,
		PrestigeCount:             s.PrestigeCount,
		Achievements:              append([]string(nil), s.Achievements...),
		LastPersistTime:           now.UnixMilli(),
		Stats: snapshot.StatsV1{
			TotalManualActions:    s.Stats.TotalManualActions,
			TotalCurrencyProduced: s.Stats.TotalCurrencyProduced,
			TotalPlayTimeSeconds:  s.Stats.TotalPlayTimeSeconds,
		},
		SaveVersion: m.cats.SaveVersion,
	}
	if !s.SessionStart.IsZero() {
		save.SessionStartTime = s.SessionStart.UnixMilli()
	}
	for _, p := range s.Producers {
		save.Producers = append(save.Producers, snapshot.LevelV1{ID: p.ID, Level: p.Level})
	}
	for _, p := range s.PrestigeUpgrades {
		save.PrestigeUpgrades = append(save.PrestigeUpgrades, snapshot.LevelV1{ID: p.ID, Level: p.Level})
	}
	for k, v := range s.PerItemLifetime {
		save.PerItemLifetimeProduction[k] = v
	}
	return save
}

// NewlyUnlocked lists achievements whose condition is met but which s does not hold yet.
func (m *Machine) NewlyUnlocked(s *State) []string {
	var out []string
	for _, d := range m.cats.Achievements.Defs {
		if s.HasAchievement(d.ID) {
			continue
		}
		var v float64
		switch d.Condition {
		case catalogs.ConditionClickTotal:
			v = float64(s.Stats.TotalManualActions)
		case catalogs.ConditionTreesLifetime:
			v = s.Stats.TotalCurrencyProduced
		case catalogs.ConditionUpgradesOwned:
			for _, p := range s.Producers {
				v += float64(p.Level)
			}
		}
		if v >= d.Threshold {
			out = append(out, d.ID)
		}
	}
	return out
}
