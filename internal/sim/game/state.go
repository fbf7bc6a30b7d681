package game

import (
	"time"
)

type EventType string

const (
	EventFrenzy EventType = "frenzy"
	EventChain  EventType = "chain"
)

type BuffAffects string

const (
	AffectsProduction BuffAffects = "production"
	AffectsClick      BuffAffects = "click"
)

// ItemLevel is one owned catalog entry. State keeps exactly one per catalog item, in catalog order.
type ItemLevel struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

type Event struct {
	Active    bool      `json:"active"`
	Type      EventType `json:"type,omitempty"`
	SpawnTime time.Time `json:"spawn_time"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
}

type Buff struct {
	ID      string      `json:"id"`
	Source  string      `json:"source"`
	Affects BuffAffects `json:"affects"`
	Value   float64     `json:"value"`
	Expiry  time.Time   `json:"expiry"`
	Name    string      `json:"name"`
}

type Stats struct {
	TotalManualActions    int64   `json:"total_manual_actions"`
	TotalCurrencyProduced float64 `json:"total_currency_produced"`
	TotalPlayTimeSeconds  float64 `json:"total_play_time_seconds"`
}

// State is the root aggregate. Values returned by Reduce must be treated as immutable.
type State struct {
	Currency         float64 `json:"currency"`
	LifetimeCurrency float64 `json:"lifetime_currency"`
	PrestigeCurrency int64   `json:"prestige_currency"`
	PrestigeCount    int     `json:"prestige_count"`

	Producers       []ItemLevel        `json:"producers"`
	PerItemLifetime map[string]float64 `json:"per_item_lifetime_production"`

	Achievements     []string    `json:"achievements"`
	PrestigeUpgrades []ItemLevel `json:"prestige_upgrades"`

	Event Event  `json:"active_event"`
	Buffs []Buff `json:"active_buffs"`

	SessionStart time.Time `json:"session_start_time"`
	LastPersist  time.Time `json:"last_persist_time"`
	Stats        Stats     `json:"stats"`

	Loaded      bool `json:"loaded"`
	SaveVersion int  `json:"save_version"`
}

func (s *State) clone() *State {
	c := *s
	c.Producers = append([]ItemLevel(nil), s.Producers...)
	c.PrestigeUpgrades = append([]ItemLevel(nil), s.PrestigeUpgrades...)
	c.Achievements = append([]string(nil), s.Achievements...)
	c.Buffs = append([]Buff(nil), s.Buffs...)
	c.PerItemLifetime = make(map[string]float64, len(s.PerItemLifetime))
	for k, v := range s.PerItemLifetime {
		c.PerItemLifetime[k] = v
	}
	return &c
}

func (s *State) Level(id string) int {
	return levelOf(s.Producers, id)
}

func (s *State) PrestigeLevel(id string) int {
	return levelOf(s.PrestigeUpgrades, id)
}

func (s *State) HasAchievement(id string) bool {
	for _, a := range s.Achievements {
		if a == id {
			return true
		}
	}
	return false
}

// Score is what the leaderboard ranks: all-time production, floored.
func (s *State) Score() int64 {
	if s.Stats.TotalCurrencyProduced <= 0 {
		return 0
	}
	return int64(s.Stats.TotalCurrencyProduced)
}

func levelOf(levels []ItemLevel, id string) int {
	for _, l := range levels {
		if l.ID == id {
			return l.Level
		}
	}
	return 0
}

func indexOf(levels []ItemLevel, id string) int {
	for i, l := range levels {
		if l.ID == id {
			return i
		}
	}
	return -1
}
