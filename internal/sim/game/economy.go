package game

import (
	"math"
	"time"

	"idlegrove.app/internal/sim/catalogs"
)

const (
	MinCostRatio = 1.01

	seedBonusPerUnit        = 0.10
	achievementBonusPerUnit = 0.02
	clickShareOfProduction  = 0.05
	seedDivisor             = 1_000_000
)

type Derived struct {
	ClickPower       float64            `json:"click_power"`
	ProductionRate   float64            `json:"production_rate"`
	PerItemBreakdown map[string]float64 `json:"per_item_breakdown"`
	PerItemUnitRate  map[string]float64 `json:"per_item_unit_rate"`
}

// Derive computes click power, production rate and per-item attribution from s.
func (m *Machine) Derive(s *State) Derived {
	defs := m.cats.Items.Defs

	globalProd, globalClick := 1.0, 1.0
	specific := map[string]float64{}
	for _, d := range defs {
		if d.Kind != catalogs.KindMultiplier {
			continue
		}
		lvl := s.Level(d.ID)
		if lvl <= 0 {
			continue
		}
		factor := 1 + d.MultiplierPerLevel*float64(lvl)
		switch d.Target.Kind {
		case catalogs.TargetAllGlobal:
			globalProd *= factor
		case catalogs.TargetAllClick:
			globalClick *= factor
		case catalogs.TargetSpecific:
			if cur, ok := specific[d.Target.ID]; ok {
				specific[d.Target.ID] = cur * factor
			} else {
				specific[d.Target.ID] = factor
			}
		}
	}
	specificMult := func(id string) float64 {
		if v, ok := specific[id]; ok {
			return v
		}
		return 1
	}

	baseAuto := 0.0
	autoBreakdown := map[string]float64{}
	for _, d := range defs {
		if d.Kind != catalogs.KindAuto {
			continue
		}
		lvl := s.Level(d.ID)
		if lvl <= 0 {
			continue
		}
		raw := d.AutoSignal * float64(lvl) * specificMult(d.ID)
		autoBreakdown[d.ID] = raw
		baseAuto += raw
	}

	prestigeBonus := 1 + seedBonusPerUnit*float64(s.PrestigeCurrency)
	achievementBonus := 1 + achievementBonusPerUnit*float64(len(s.Achievements))
	prodBuffs, clickBuffs := 1.0, 1.0
	for _, b := range s.Buffs {
		switch b.Affects {
		case AffectsProduction:
			prodBuffs *= b.Value
		case AffectsClick:
			clickBuffs *= b.Value
		}
	}
	genericProd := 1 + m.PrestigeEffect(s, catalogs.EffectGenericProduction)

	totalMult := globalProd * prestigeBonus * achievementBonus * prodBuffs * genericProd
	rate := math.Max(0, baseAuto*totalMult)

	out := Derived{
		ClickPower:       (1 + rate*clickShareOfProduction) * globalClick * clickBuffs,
		ProductionRate:   rate,
		PerItemBreakdown: make(map[string]float64, len(autoBreakdown)),
		PerItemUnitRate:  map[string]float64{},
	}
	for id, raw := range autoBreakdown {
		out.PerItemBreakdown[id] = raw * totalMult
	}
	for _, d := range defs {
		if d.Kind == catalogs.KindAuto {
			out.PerItemUnitRate[d.ID] = d.AutoSignal * specificMult(d.ID) * totalMult
		}
	}
	return out
}

// PrestigeEffect sums effect_value × level over owned prestige upgrades with the given effect.
func (m *Machine) PrestigeEffect(s *State, effect catalogs.PrestigeEffect) float64 {
	total := 0.0
	for _, d := range m.cats.Prestige.Defs {
		if d.Effect != effect {
			continue
		}
		total += d.EffectValue * float64(s.PrestigeLevel(d.ID))
	}
	return total
}

func EffectiveRatio(ratio, discount float64) float64 {
	return math.Max(MinCostRatio, ratio-discount)
}

// BulkCost prices amount units starting at level with the geometric closed form.
// The aggregate is floored once, so it may differ from the sum of single buys.
func BulkCost(baseCost, ratio float64, level, amount int) float64 {
	if amount <= 0 {
		return 0
	}
	ratio = EffectiveRatio(ratio, 0)
	first := baseCost * math.Pow(ratio, float64(level))
	if amount == 1 {
		return math.Floor(first)
	}
	return math.Floor(first * (math.Pow(ratio, float64(amount)) - 1) / (ratio - 1))
}

// CostOf returns the price Buy would charge and the amount after clamping to max level.
// ok is false when Buy would reject for reasons other than funds.
func (m *Machine) CostOf(s *State, id string, amount int) (cost float64, clamped int, ok bool) {
	def, found := m.cats.Item(id)
	if !found || amount <= 0 {
		return 0, 0, false
	}
	lvl := s.Level(id)
	if def.Capped() {
		room := def.MaxLevel - lvl
		if room <= 0 {
			return 0, 0, false
		}
		if amount > room {
			amount = room
		}
	}
	ratio := EffectiveRatio(def.CostRatio, m.PrestigeEffect(s, catalogs.EffectCostScaling))
	return BulkCost(def.BaseCost, ratio, lvl, amount), amount, true
}

// SeedsToAward is floor(sqrt(currency/1e6 + p²) − p), never negative.
func SeedsToAward(currency float64, existing int64) int64 {
	if !(currency > 0) {
		return 0
	}
	p := float64(existing)
	v := math.Sqrt(currency/seedDivisor+p*p) - p
	if !(v > 0) {
		return 0
	}
	return int64(math.Floor(v))
}

type OfflineRules struct {
	Threshold  time.Duration
	Cap        time.Duration
	Efficiency float64
}

func DefaultOfflineRules() OfflineRules {
	return OfflineRules{Threshold: time.Minute, Cap: 24 * time.Hour, Efficiency: 0.5}
}

type OfflineAward struct {
	TimeAwaySeconds float64 `json:"time_away_seconds"`
	CurrencyEarned  float64 `json:"currency_earned"`
}

// ComputeOfflineAward returns the award for a gap since lastPersist, or false when nothing is owed.
func ComputeOfflineAward(lastPersist, now time.Time, rate float64, rules OfflineRules) (OfflineAward, bool) {
	if lastPersist.IsZero() || !(rate > 0) {
		return OfflineAward{}, false
	}
	gap := now.Sub(lastPersist)
	if gap <= rules.Threshold {
		return OfflineAward{}, false
	}
	elapsed := gap
	if rules.Cap > 0 && elapsed > rules.Cap {
		elapsed = rules.Cap
	}
	earned := math.Floor(elapsed.Seconds() * rate * rules.Efficiency)
	if !(earned > 0) {
		return OfflineAward{}, false
	}
	return OfflineAward{TimeAwaySeconds: math.Floor(gap.Seconds()), CurrencyEarned: earned}, true
}

// Unlocked reports whether id is visible to the player: already owned or lifetime currency reached its threshold.
func (m *Machine) Unlocked(s *State, id string) bool {
	def, ok := m.cats.Item(id)
	if !ok {
		return false
	}
	return s.Level(id) > 0 || s.LifetimeCurrency >= def.UnlockAt
}
