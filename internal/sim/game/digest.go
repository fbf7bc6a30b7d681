package game

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type digestBuff struct {
	ID      string      `json:"id"`
	Affects BuffAffects `json:"affects"`
	Value   float64     `json:"value"`
	Expiry  int64       `json:"expiry"`
}

type digestView struct {
	Currency         float64            `json:"currency"`
	LifetimeCurrency float64            `json:"lifetime_currency"`
	PrestigeCurrency int64              `json:"prestige_currency"`
	PrestigeCount    int                `json:"prestige_count"`
	Producers        []ItemLevel        `json:"producers"`
	PerItemLifetime  map[string]float64 `json:"per_item_lifetime"`
	Achievements     []string           `json:"achievements"`
	PrestigeUpgrades []ItemLevel        `json:"prestige_upgrades"`
	EventActive      bool               `json:"event_active"`
	EventType        EventType          `json:"event_type"`
	Buffs            []digestBuff       `json:"buffs"`
	SessionStart     int64              `json:"session_start"`
	Stats            Stats              `json:"stats"`
	Loaded           bool               `json:"loaded"`
	SaveVersion      int                `json:"save_version"`
}

// Digest fingerprints s for replay verification. Times are reduced to unix milliseconds
// so the result does not depend on time zones or monotonic readings.
func Digest(s *State) string {
	v := digestView{
		Currency:         s.Currency,
		LifetimeCurrency: s.LifetimeCurrency,
		PrestigeCurrency: s.PrestigeCurrency,
		PrestigeCount:    s.PrestigeCount,
		Producers:        s.Producers,
		PerItemLifetime:  s.PerItemLifetime,
		Achievements:     s.Achievements,
		PrestigeUpgrades: s.PrestigeUpgrades,
		EventActive:      s.Event.Active,
		EventType:        s.Event.Type,
		Stats:            s.Stats,
		Loaded:           s.Loaded,
		SaveVersion:      s.SaveVersion,
	}
	if !s.SessionStart.IsZero() {
		v.SessionStart = s.SessionStart.UnixMilli()
	}
	for _, b := range s.Buffs {
		v.Buffs = append(v.Buffs, digestBuff{ID: b.ID, Affects: b.Affects, Value: b.Value, Expiry: b.Expiry.UnixMilli()})
	}
	raw, _ := json.Marshal(v)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
